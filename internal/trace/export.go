package trace

import (
	"errors"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ExportVersion is the current trace file format version.
const ExportVersion = 1

// ErrVersion is returned when decoding a trace written by a newer format.
var ErrVersion = errors.New("unsupported trace version")

// Export is a rendered trace together with the session it came from.
//
// Wire layout (protobuf encoding, no schema file):
//
//	1: version  varint
//	2: session  string
//	3: fault    string
//	4: line     message, repeated
//	   1: from  varint
//	   2: to    varint
//	   3: label string
type Export struct {
	Session string
	Fault   string
	Lines   []Line
}

const (
	fieldVersion protowire.Number = 1
	fieldSession protowire.Number = 2
	fieldFault   protowire.Number = 3
	fieldLine    protowire.Number = 4

	fieldFrom  protowire.Number = 1
	fieldTo    protowire.Number = 2
	fieldLabel protowire.Number = 3
)

// MarshalBinary encodes e.
func (e *Export) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, ExportVersion)
	if e.Session != "" {
		b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
		b = protowire.AppendString(b, e.Session)
	}
	if e.Fault != "" {
		b = protowire.AppendTag(b, fieldFault, protowire.BytesType)
		b = protowire.AppendString(b, e.Fault)
	}
	for _, l := range e.Lines {
		var m []byte
		m = protowire.AppendTag(m, fieldFrom, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(l.From))
		m = protowire.AppendTag(m, fieldTo, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(l.To))
		m = protowire.AppendTag(m, fieldLabel, protowire.BytesType)
		m = protowire.AppendString(m, l.Label)

		b = protowire.AppendTag(b, fieldLine, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

// UnmarshalBinary decodes data into e. Unknown fields are skipped.
func (e *Export) UnmarshalBinary(data []byte) error {
	*e = Export{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("trace tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("trace version: %w", protowire.ParseError(n))
			}
			if v > ExportVersion {
				return fmt.Errorf("%w: %d", ErrVersion, v)
			}
			data = data[n:]
		case num == fieldSession && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("trace session: %w", protowire.ParseError(n))
			}
			e.Session = s
			data = data[n:]
		case num == fieldFault && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("trace fault: %w", protowire.ParseError(n))
			}
			e.Fault = s
			data = data[n:]
		case num == fieldLine && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("trace line: %w", protowire.ParseError(n))
			}
			l, err := unmarshalLine(m)
			if err != nil {
				return err
			}
			e.Lines = append(e.Lines, l)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("trace field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func unmarshalLine(data []byte) (Line, error) {
	var l Line
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return l, fmt.Errorf("line tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case (num == fieldFrom || num == fieldTo) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return l, fmt.Errorf("line address: %w", protowire.ParseError(n))
			}
			if num == fieldFrom {
				l.From = uint32(v)
			} else {
				l.To = uint32(v)
			}
			data = data[n:]
		case num == fieldLabel && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return l, fmt.Errorf("line label: %w", protowire.ParseError(n))
			}
			l.Label = s
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return l, fmt.Errorf("line field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return l, nil
}

// WriteFile encodes e to path.
func WriteFile(path string, e *Export) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

// ReadFile decodes a trace written by WriteFile.
func ReadFile(path string) (*Export, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	e := &Export{}
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return e, nil
}
