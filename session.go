// Package edl drives Qualcomm devices in Emergency Download mode: Sahara
// loader upload, Firehose flash access, and the parsers that turn raw
// partition reads into partition tables and device identity.
package edl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/behrlich/go-edl/internal/detect"
	"github.com/behrlich/go-edl/internal/errs"
	"github.com/behrlich/go-edl/internal/firehose"
	"github.com/behrlich/go-edl/internal/gpt"
	"github.com/behrlich/go-edl/internal/logging"
	"github.com/behrlich/go-edl/internal/lp"
	"github.com/behrlich/go-edl/internal/sahara"
	"github.com/behrlich/go-edl/internal/scan"
	"github.com/behrlich/go-edl/internal/serialio"
	"github.com/behrlich/go-edl/internal/sparse"
)

// gptSectors is how many sectors a full primary GPT read covers.
const gptSectors = 34

// lpHeaderBytes is how much of super the LP parser needs.
const lpHeaderBytes = 8192

// maxInfoReadBytes caps how much of any partition ReadDeviceInfo pulls.
const maxInfoReadBytes = 16 << 20

// infoPartitions are the partitions worth scanning for identity, in scan
// order. Modem NV partitions carry the IMEI; vendor build partitions
// carry model and OTA strings.
var infoPartitions = []string{
	"modemst1",
	"modemst2",
	"fsg",
	"my_manifest",
	"build",
	"persist",
	"nvdata",
}

// Params configures Connect.
type Params struct {
	// Port is the serial device name; ignored when the session was built
	// with NewSessionWithChannel.
	Port     string
	BaudRate int

	// Loader is the programmer image; LoaderPath is read when Loader is
	// nil. Required when the device is still in Sahara.
	Loader     []byte
	LoaderPath string

	// Storage is "ufs" or "emmc".
	Storage string

	// ReadChipInfo enables the Sahara command-mode detour.
	ReadChipInfo bool

	// Auth, when set, runs the VIP sequence before configure.
	Auth *firehose.AuthBlobs

	// MaxPayload overrides the configure request (0 = 4 MiB default).
	MaxPayload uint32
	AckEveryN  uint16

	// Progress receives loader-upload progress.
	Progress func(done, total int64)
}

// Session owns the serial channel and walks a device from raw EDL to a
// configured Firehose programmer, then exposes the high-level verbs.
// A session is single-threaded by design: the wire protocols allow no
// pipelining.
type Session struct {
	ch       serialio.Channel
	ownsPort bool
	logger   *logging.Logger

	state   DeviceState
	onState func(DeviceState)

	fh      *firehose.Client
	chip    sahara.ChipIdentity
	tables  map[uint32]*gpt.Table
	workDir string
}

// NewSession builds a session that opens its own serial port on Connect.
func NewSession(logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	return &Session{
		logger: logger,
		state:  StateUnknown,
		tables: make(map[uint32]*gpt.Table),
	}
}

// NewSessionWithChannel builds a session over an existing channel. Used by
// tests and by callers with their own transport.
func NewSessionWithChannel(ch serialio.Channel, logger *logging.Logger) *Session {
	s := NewSession(logger)
	s.ch = ch
	return s
}

// OnStateChange registers an observer for state transitions.
func (s *Session) OnStateChange(fn func(DeviceState)) {
	s.onState = fn
}

// State returns the current device state.
func (s *Session) State() DeviceState { return s.state }

// Chip returns the identity captured during Sahara, if any.
func (s *Session) Chip() sahara.ChipIdentity { return s.chip }

func (s *Session) setState(state DeviceState) {
	if state == s.state {
		return
	}
	s.logger.Debug("state transition", "from", s.state, "to", state)
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

// Connect opens the port, classifies the device, uploads the loader when
// Sahara is waiting, and configures Firehose. Returns the final state.
func (s *Session) Connect(ctx context.Context, params Params) (DeviceState, error) {
	if s.ch == nil {
		port, err := serialio.OpenPort(params.Port, &serialio.PortConfig{BaudRate: params.BaudRate})
		if err != nil {
			s.setState(StatePortError)
			return s.state, err
		}
		s.ch = port
		s.ownsPort = true
	}
	s.setState(StatePortOpened)

	result, err := detect.Probe(s.ch, s.logger)
	if err != nil {
		s.setState(StatePortError)
		return s.state, err
	}

	switch result.State {
	case detect.SaharaHello:
		if err := s.runSahara(ctx, params); err != nil {
			return s.state, err
		}
	case detect.Firehose:
		// Programmer already live; skip the upload.
		s.logger.Info("device already in firehose mode")
	case detect.NoResponse:
		s.setState(StateNoResponse)
		return s.state, errs.New("connect", errs.CodeTimeout, "device did not respond to probing")
	}

	s.fh = firehose.NewClient(firehose.Config{
		Channel:          s.ch,
		Logger:           s.logger,
		Chip:             s.chip,
		MemoryName:       params.Storage,
		RequestedPayload: params.MaxPayload,
		AckEveryN:        params.AckEveryN,
	})
	s.setState(StateFirehoseNotConfigured)

	authed := false
	if params.Auth != nil {
		if err := s.fh.AuthVIP(ctx, *params.Auth); err != nil {
			return s.state, err
		}
		authed = true
	}

	if err := s.fh.Configure(ctx); err != nil {
		s.setState(StateFirehoseConfigureFailed)
		return s.state, err
	}
	if authed {
		s.setState(StateFirehoseAuthenticated)
	} else {
		s.setState(StateFirehoseConfigured)
	}
	return s.state, nil
}

func (s *Session) runSahara(ctx context.Context, params Params) error {
	s.setState(StateSaharaWaitingLoader)

	loader := params.Loader
	if loader == nil {
		if params.LoaderPath == "" {
			return errs.New("connect", errs.CodeBadImage, "device in Sahara mode but no loader given")
		}
		data, err := os.ReadFile(params.LoaderPath)
		if err != nil {
			return errs.Wrap("connect", err)
		}
		loader = data
	}

	client := sahara.NewClient(sahara.Config{
		Channel:      s.ch,
		Programmer:   loader,
		Logger:       s.logger,
		ReadChipInfo: params.ReadChipInfo,
		Progress:     params.Progress,
	})
	s.setState(StateSaharaTransferring)
	if err := client.Run(ctx); err != nil {
		s.chip = client.Identity()
		if errs.IsCode(err, errs.CodeTimeout) {
			s.setState(StateNoResponse)
		}
		return err
	}
	s.chip = client.Identity()
	s.setState(StateSaharaComplete)
	return nil
}

func (s *Session) requireReady(op string) error {
	if s.fh == nil || !s.state.Ready() {
		return errs.Newf(op, errs.CodeNotConfigured, "firehose not configured (state %s)", s.state)
	}
	return nil
}

// ReadGPT reads and parses the primary GPT of a LUN. The parsed table is
// cached for partition lookups.
func (s *Session) ReadGPT(ctx context.Context, lun uint32) (*gpt.Table, error) {
	if err := s.requireReady("read_gpt"); err != nil {
		return nil, err
	}
	blob, err := s.fh.ReadAllWithSpoof(ctx, firehose.ReadRequest{
		LUN:        lun,
		NumSectors: gptSectors,
		IsGPT:      true,
	})
	if err != nil {
		return nil, errs.Wrap("read_gpt", err)
	}
	table, err := gpt.Parse(blob, s.fh.SectorSize(), lun, s.logger)
	if err != nil {
		return nil, err
	}
	s.tables[lun] = table
	s.logger.Info("gpt parsed", "lun", lun, "partitions", len(table.Entries))
	return table, nil
}

// ParseBackupGPT parses a caller-provided backup-GPT blob (read out of
// band, e.g. from the end of a LUN dump) with the same tolerance as the
// primary parse.
func (s *Session) ParseBackupGPT(blob []byte, lun uint32) (*gpt.Table, error) {
	if s.fh == nil {
		return nil, errs.New("parse_backup_gpt", errs.CodeNotConfigured, "no firehose session")
	}
	return gpt.Parse(blob, s.fh.SectorSize(), lun, s.logger)
}

// FindPartition looks a name up across every cached table, reading LUN
// tables on demand (LUN 0 first, then 1..5 for UFS).
func (s *Session) FindPartition(ctx context.Context, name string) (*gpt.PartitionEntry, error) {
	if err := s.requireReady("find_partition"); err != nil {
		return nil, err
	}
	for _, table := range s.tables {
		if e := table.FindByName(name); e != nil {
			return e, nil
		}
	}
	for lun := uint32(0); lun <= 5; lun++ {
		if _, done := s.tables[lun]; done {
			continue
		}
		table, err := s.ReadGPT(ctx, lun)
		if err != nil {
			// Higher LUNs legitimately NAK on eMMC parts.
			s.logger.Debug("lun table unavailable", "lun", lun, "error", err)
			continue
		}
		if e := table.FindByName(name); e != nil {
			return e, nil
		}
	}
	return nil, errs.NewNak("find_partition", errs.NakPartitionNotFound,
		fmt.Sprintf("partition %q not in any readable LUN", name))
}

// ReadPartition dumps a partition to destPath. The destination appears
// only when the read completes: a cancelled or failed read leaves no
// partial file.
func (s *Session) ReadPartition(ctx context.Context, entry *gpt.PartitionEntry, destPath string, progress func(done, total int64)) error {
	if err := s.requireReady("read_partition"); err != nil {
		return err
	}
	tmpPath := destPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errs.Wrap("read_partition", err)
	}

	readErr := s.fh.ReadWithSpoof(ctx, firehose.ReadRequest{
		LUN:           entry.LUN,
		StartSector:   entry.StartSector,
		NumSectors:    entry.NumSectors,
		PartitionName: entry.Name,
	}, f, progress)

	closeErr := f.Close()
	if readErr == nil && closeErr != nil {
		readErr = errs.Wrap("read_partition", closeErr)
	}
	if readErr != nil {
		os.Remove(tmpPath)
		return readErr
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap("read_partition", err)
	}
	return nil
}

// WriteOptions tunes WritePartition.
type WriteOptions struct {
	// SpoofBackupGPT labels the program request as gpt_backup<lun>.bin
	// instead of the partition's own name. Some locked loaders only
	// accept writes under that name; it overrides the real partition
	// name, so it is opt-in.
	SpoofBackupGPT bool
}

// WritePartition flashes srcPath onto a partition. Sparse images are
// converted to raw in the session's scratch directory first.
func (s *Session) WritePartition(ctx context.Context, entry *gpt.PartitionEntry, srcPath string, opts WriteOptions, progress func(done, total int64)) error {
	if err := s.requireReady("write_partition"); err != nil {
		return err
	}
	rawPath, size, cleanup, err := s.rawSource(srcPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if uint64(size) > entry.SizeBytes() {
		return errs.Newf("write_partition", errs.CodeBadImage,
			"image is %d bytes but %q holds %d", size, entry.Name, entry.SizeBytes())
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return errs.Wrap("write_partition", err)
	}
	defer f.Close()

	req := firehose.ProgramRequest{
		LUN:         entry.LUN,
		StartSector: entry.StartSector,
		Filename:    entry.Name + ".bin",
		Label:       entry.Name,
	}
	if opts.SpoofBackupGPT {
		req.Filename = fmt.Sprintf("gpt_backup%d.bin", entry.LUN)
		req.Label = "BackupGPT"
	}
	return s.fh.Program(ctx, req, f, size, progress)
}

// rawSource hands back a raw image path for srcPath, inflating sparse
// images into the scratch dir. cleanup removes any scratch file.
func (s *Session) rawSource(srcPath string) (string, int64, func(), error) {
	nop := func() {}
	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, nop, errs.Wrap("write_partition", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, _ := io.ReadFull(f, magic)
	if n < 4 || !sparse.IsSparse(magic[:n]) {
		info, err := f.Stat()
		if err != nil {
			return "", 0, nop, errs.Wrap("write_partition", err)
		}
		return srcPath, info.Size(), nop, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, nop, errs.Wrap("write_partition", err)
	}
	reader, err := sparse.NewReader(f)
	if err != nil {
		return "", 0, nop, err
	}

	dir, err := s.scratchDir()
	if err != nil {
		return "", 0, nop, err
	}
	rawPath := filepath.Join(dir, filepath.Base(srcPath)+".raw")
	out, err := os.Create(rawPath)
	if err != nil {
		return "", 0, nop, errs.Wrap("write_partition", err)
	}
	size, err := io.Copy(out, reader)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(rawPath)
		return "", 0, nop, errs.Wrap("write_partition", err)
	}
	s.logger.Info("sparse image converted", "src", srcPath, "raw_bytes", size)
	return rawPath, size, func() { os.Remove(rawPath) }, nil
}

func (s *Session) scratchDir() (string, error) {
	if s.workDir != "" {
		return s.workDir, nil
	}
	dir, err := os.MkdirTemp("", "edl-scratch-*")
	if err != nil {
		return "", errs.Wrap("scratch", err)
	}
	s.workDir = dir
	return dir, nil
}

// ErasePartition wipes a partition's sector range.
func (s *Session) ErasePartition(ctx context.Context, entry *gpt.PartitionEntry) error {
	if err := s.requireReady("erase_partition"); err != nil {
		return err
	}
	return s.fh.Erase(ctx, entry.LUN, entry.StartSector, entry.NumSectors)
}

// ReadSuperMap locates the super partition, reads its LP metadata, and
// returns the logical partitions inside it.
func (s *Session) ReadSuperMap(ctx context.Context) (*lp.Metadata, error) {
	if err := s.requireReady("read_super_map"); err != nil {
		return nil, err
	}
	super, err := s.FindPartition(ctx, "super")
	if err != nil {
		return nil, err
	}
	sector := s.fh.SectorSize()
	numSectors := uint64((lpHeaderBytes + sector - 1) / sector)
	blob, err := s.fh.ReadAllWithSpoof(ctx, firehose.ReadRequest{
		LUN:           super.LUN,
		StartSector:   super.StartSector,
		NumSectors:    numSectors,
		PartitionName: "super",
	})
	if err != nil {
		return nil, errs.Wrap("read_super_map", err)
	}
	superStart4K := super.StartSector * uint64(sector) / 4096
	return lp.Parse(blob, superStart4K, s.logger)
}

// WriteSuperPartition flashes an image onto one logical partition inside
// super, using the LP extent map for placement.
func (s *Session) WriteSuperPartition(ctx context.Context, name, srcPath string, progress func(done, total int64)) error {
	if err := s.requireReady("write_super_partition"); err != nil {
		return err
	}
	meta, err := s.ReadSuperMap(ctx)
	if err != nil {
		return err
	}
	sub := meta.FindByName(name)
	if sub == nil {
		return errs.NewNak("write_super_partition", errs.NakPartitionNotFound,
			fmt.Sprintf("no %q inside super", name))
	}
	super, err := s.FindPartition(ctx, "super")
	if err != nil {
		return err
	}

	rawPath, size, cleanup, err := s.rawSource(srcPath)
	if err != nil {
		return err
	}
	defer cleanup()
	if uint64(size) > sub.ByteSize {
		return errs.Newf("write_super_partition", errs.CodeBadImage,
			"image is %d bytes but %q holds %d", size, name, sub.ByteSize)
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return errs.Wrap("write_super_partition", err)
	}
	defer f.Close()

	sector := uint64(s.fh.SectorSize())
	if sub.ByteOffset%sector != 0 {
		return errs.Newf("write_super_partition", errs.CodeBadImage,
			"extent offset %d not aligned to device sector %d", sub.ByteOffset, sector)
	}
	start := super.StartSector + sub.ByteOffset/sector
	return s.fh.Program(ctx, firehose.ProgramRequest{
		LUN:         super.LUN,
		StartSector: start,
		Filename:    name + ".bin",
		Label:       name,
	}, f, size, progress)
}

// ReadDeviceInfo reads the identity-bearing partitions and scans them.
// Unreadable partitions are skipped; whatever was found is returned.
func (s *Session) ReadDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	if err := s.requireReady("read_device_info"); err != nil {
		return nil, err
	}
	info := &DeviceInfo{Chip: s.chip}

	for _, name := range infoPartitions {
		if err := ctx.Err(); err != nil {
			return info, errs.New("read_device_info", errs.CodeCancelled, "cancelled")
		}
		entry, err := s.FindPartition(ctx, name)
		if err != nil {
			continue
		}
		numSectors := entry.NumSectors
		if limit := uint64(maxInfoReadBytes) / uint64(entry.SectorSize); numSectors > limit {
			numSectors = limit
		}
		blob, err := s.fh.ReadAllWithSpoof(ctx, firehose.ReadRequest{
			LUN:           entry.LUN,
			StartSector:   entry.StartSector,
			NumSectors:    numSectors,
			PartitionName: entry.Name,
		})
		if err != nil {
			s.logger.Warn("info partition unreadable", "name", name, "error", err)
			continue
		}
		result, err := scan.Scan(blob, 0)
		if err != nil {
			s.logger.Warn("scan failed", "name", name, "error", err)
			continue
		}
		info.merge(result)
		s.logger.Debug("scanned partition", "name", name, "hits", len(result))
	}
	return info, nil
}

// GetStorageInfo surfaces the programmer's storage report.
func (s *Session) GetStorageInfo(ctx context.Context, lun uint32) ([]string, error) {
	if err := s.requireReady("get_storage_info"); err != nil {
		return nil, err
	}
	return s.fh.GetStorageInfo(ctx, lun)
}

// SetActiveSlot selects slot "a" or "b".
func (s *Session) SetActiveSlot(ctx context.Context, slot string) error {
	if err := s.requireReady("set_active_slot"); err != nil {
		return err
	}
	return s.fh.SetActiveSlot(ctx, slot)
}

// FixGPT asks the programmer to repair a LUN's partition table.
func (s *Session) FixGPT(ctx context.Context, lun uint32) error {
	if err := s.requireReady("fix_gpt"); err != nil {
		return err
	}
	return s.fh.FixGPT(ctx, lun)
}

// Reboot leaves EDL. mode is "reset" (normal boot), "off", or "edl".
func (s *Session) Reboot(ctx context.Context, mode string) error {
	if err := s.requireReady("reboot"); err != nil {
		return err
	}
	switch mode {
	case "reset", "off":
		return s.fh.Power(ctx, mode)
	case "edl":
		return s.fh.Power(ctx, "reset_to_edl")
	default:
		return errs.Newf("reboot", errs.CodeProtocolViolation, "unknown reboot mode %q", mode)
	}
}

// Recover runs the auto-recovery ladder after a NoResponse: purge both
// buffers, try a nop, and reclassify on failure.
func (s *Session) Recover(ctx context.Context) error {
	if s.ch == nil {
		return errs.New("recover", errs.CodeIo, "no channel")
	}
	if err := s.ch.DiscardIn(); err != nil {
		return err
	}
	if err := s.ch.DiscardOut(); err != nil {
		return err
	}
	if s.fh != nil && s.fh.Configured() {
		if err := s.fh.Nop(ctx); err == nil {
			s.setState(StateFirehoseConfigured)
			return nil
		}
	}
	result, err := detect.Probe(s.ch, s.logger)
	if err != nil {
		return err
	}
	if result.State == detect.NoResponse {
		s.setState(StateNoResponse)
		return errs.New("recover", errs.CodeTimeout, "device still silent")
	}
	s.logger.Info("device reclassified", "state", result.State)
	return nil
}

// Disconnect releases the channel and scratch space. Safe to call twice.
func (s *Session) Disconnect() error {
	if s.workDir != "" {
		os.RemoveAll(s.workDir)
		s.workDir = ""
	}
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	s.fh = nil
	s.setState(StateUnknown)
	return err
}
