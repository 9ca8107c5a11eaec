package firehose

import (
	"fmt"
	"strings"
)

// Locked OPPO/Realme/OnePlus loaders NAK bare reads but accept the same
// sector range when the request is labelled as a partition the vendor
// tooling would read. A spoof strategy is one (label, filename) pair to
// try; the client walks the list in priority order and the empty strategy
// (a bare read) always goes last.

// Strategy is one spoof attempt. The zero Strategy is the bare read.
type Strategy struct {
	Label    string
	Filename string
	Priority int
}

// Empty reports whether this is the bare, unspoofed read.
func (s Strategy) Empty() bool {
	return s.Label == "" && s.Filename == ""
}

func (s Strategy) String() string {
	if s.Empty() {
		return "(bare)"
	}
	return s.Label + "/" + s.Filename
}

// SpoofStrategies builds the priority-ordered, deduplicated strategy list
// for one read call.
func SpoofStrategies(lun uint32, startSector uint64, partitionName string, isGPT bool) []Strategy {
	var list []Strategy

	if startSector <= 33 || isGPT {
		list = append(list,
			Strategy{Label: "PrimaryGPT", Filename: fmt.Sprintf("gpt_main%d.bin", lun)},
			Strategy{Label: "BackupGPT", Filename: fmt.Sprintf("gpt_backup%d.bin", lun)},
		)
	}

	if name := sanitizeName(partitionName); name != "" {
		list = append(list,
			Strategy{Label: name, Filename: name + ".bin"},
			Strategy{Label: name, Filename: "gpt_main0.bin"},
		)
	}

	list = append(list,
		Strategy{Label: "ssd", Filename: "ssd"},
		Strategy{Label: "gpt_main0.bin", Filename: "gpt_main0.bin"},
		Strategy{Label: "gpt_backup0.bin", Filename: "BackupGPT"},
		Strategy{Label: "buffer", Filename: "buffer.bin"},
		Strategy{}, // bare read, always last
	)

	// Dedupe by (label, filename), first occurrence wins, then stamp
	// priorities in surviving order.
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, s := range list {
		key := s.Label + "\x00" + s.Filename
		if seen[key] {
			continue
		}
		seen[key] = true
		s.Priority = len(out)
		out = append(out, s)
	}
	return out
}

// sanitizeName strips characters a loader's path matcher could choke on.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
