package firehose

import (
	"bytes"
	"strings"
)

// The response side of Firehose is not a document: the device emits a run
// of XML fragments (<log .../> elements, then a <response .../>), each
// terminated by </data>, and for rawmode reads the binary payload starts
// at the byte after the terminator. The parser is a small scanner over an
// accumulating buffer, not a DOM walker.

const endOfData = "</data>"

// Response is one parsed device response document.
type Response struct {
	Ack     bool
	RawMode bool
	Attrs   map[string]string
	Logs    []string // log lines seen before (or alongside) the response
	Raw     string   // the raw XML text, always kept for error reporting
}

// Attr returns a response attribute value, "" when absent.
func (r *Response) Attr(key string) string {
	if r.Attrs == nil {
		return ""
	}
	return r.Attrs[key]
}

// streamParser accumulates channel bytes and cuts them into documents.
type streamParser struct {
	buf []byte
}

func (p *streamParser) feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// nextDocument cuts one </data>-terminated document off the front of the
// buffer. Returns nil when no full document is buffered yet.
func (p *streamParser) nextDocument() []byte {
	idx := bytes.Index(p.buf, []byte(endOfData))
	if idx < 0 {
		return nil
	}
	end := idx + len(endOfData)
	doc := p.buf[:end]
	p.buf = p.buf[end:]
	return doc
}

// rest returns everything buffered past the last consumed document —
// for rawmode reads this is the first chunk of binary payload, minus any
// leading CR and LF bytes the device may emit after </data>.
func (p *streamParser) rest() []byte {
	out := p.buf
	for len(out) > 0 && (out[0] == '\r' || out[0] == '\n') {
		out = out[1:]
	}
	p.buf = nil
	return out
}

// parseDocument extracts log values and the <response> element (if any)
// from one document.
func parseDocument(doc []byte) (logs []string, resp *Response) {
	s := string(doc)
	for i := 0; i < len(s); {
		open := strings.IndexByte(s[i:], '<')
		if open < 0 {
			break
		}
		i += open
		name, attrs, next := parseTag(s[i:])
		if next <= 0 {
			break
		}
		switch name {
		case "log":
			if v, ok := attrs["value"]; ok {
				logs = append(logs, v)
			}
		case "response":
			resp = &Response{
				Ack:     attrs["value"] == "ACK",
				RawMode: attrs["rawmode"] == "true",
				Attrs:   attrs,
				Raw:     s,
			}
		}
		i += next
	}
	if resp != nil {
		resp.Logs = logs
	}
	return logs, resp
}

// parseTag parses one <name k="v" .../> element starting at s[0] == '<'.
// Returns the element name, its attributes, and the number of bytes
// consumed (0 when the element is not fully present or not a tag).
func parseTag(s string) (string, map[string]string, int) {
	if len(s) < 2 || s[0] != '<' {
		return "", nil, 0
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", nil, 0
	}
	inner := strings.TrimSuffix(strings.TrimSpace(s[1:end]), "/")
	// Skip declarations and closing tags; consume them whole.
	if strings.HasPrefix(inner, "?") || strings.HasPrefix(inner, "/") || strings.HasPrefix(inner, "!") {
		return "", nil, end + 1
	}
	nameEnd := strings.IndexAny(inner, " \t\r\n")
	if nameEnd < 0 {
		return strings.TrimSpace(inner), nil, end + 1
	}
	name := inner[:nameEnd]
	attrs := parseAttrs(inner[nameEnd:])
	return name, attrs, end + 1
}

// parseAttrs parses key="value" pairs. Unquoted or malformed pairs are
// skipped rather than failing the document: loaders emit sloppy XML.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return attrs
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return attrs
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		if len(s) == 0 || s[0] != '"' {
			// Value not quoted; skip to next whitespace.
			sp := strings.IndexAny(s, " \t\r\n")
			if sp < 0 {
				return attrs
			}
			s = s[sp:]
			continue
		}
		endQuote := strings.IndexByte(s[1:], '"')
		if endQuote < 0 {
			return attrs
		}
		attrs[key] = unescapeAttr(s[1 : 1+endQuote])
		s = s[endQuote+2:]
	}
}

func unescapeAttr(v string) string {
	if !strings.Contains(v, "&") {
		return v
	}
	r := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`)
	return r.Replace(v)
}
