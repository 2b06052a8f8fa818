package fit

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/openfitlab/fitstore/internal/domain"
)

const (
	headerSizeMin      = 12
	headerSizeWithCRC  = 14
	fileMagic          = ".FIT"
	maxLocalTypes      = 16
	headerMaskCompress = 0x80
	headerMaskDefine   = 0x40
	headerMaskDevData  = 0x20
)

// definitionField is one field slot of an in-stream definition record.
type definitionField struct {
	num      byte
	size     byte
	baseType byte
}

// definition is the field layout bound to a local message type. Layouts are
// declared in-stream and may be redefined at any point within a file.
type definition struct {
	mesgNum      uint16
	bigEndian    bool
	fields       []definitionField
	devDataBytes int
}

// Decoder walks one telemetry file and yields typed messages. It carries
// per-file state only (local type definitions, last absolute timestamp);
// decoding independent files concurrently is safe.
type Decoder struct {
	file          string
	body          []byte
	pos           int
	defs          [maxLocalTypes]*definition
	lastTimestamp uint32
	diagnostics   []string
	skipped       map[uint16]bool
}

// NewDecoder validates the container header and returns a Decoder positioned
// at the first record. A checksum or structural mismatch yields a
// FormatError; the caller skips the file and continues with its siblings.
func NewDecoder(file string, data []byte) (*Decoder, error) {
	if len(data) < headerSizeMin {
		return nil, domain.NewFormatError(file, "file shorter than header", nil)
	}

	headerSize := int(data[0])
	if headerSize != headerSizeMin && headerSize != headerSizeWithCRC {
		return nil, domain.NewFormatError(file, fmt.Sprintf("unsupported header size %d", headerSize), nil)
	}
	if len(data) < headerSize {
		return nil, domain.NewFormatError(file, "truncated header", nil)
	}
	if string(data[8:12]) != fileMagic {
		return nil, domain.NewFormatError(file, "missing container magic", nil)
	}

	if headerSize == headerSizeWithCRC {
		declared := binary.LittleEndian.Uint16(data[12:14])
		if declared != 0 && declared != checksum(data[:12]) {
			return nil, domain.NewFormatError(file, "header checksum mismatch", nil)
		}
	}

	dataSize := int(binary.LittleEndian.Uint32(data[4:8]))
	if len(data) < headerSize+dataSize {
		return nil, domain.NewFormatError(file, "declared data size exceeds file length", nil)
	}

	if len(data) >= headerSize+dataSize+2 {
		declared := binary.LittleEndian.Uint16(data[headerSize+dataSize : headerSize+dataSize+2])
		if declared != checksum(data[:headerSize+dataSize]) {
			return nil, domain.NewFormatError(file, "file checksum mismatch", nil)
		}
	}

	return &Decoder{
		file:    file,
		body:    data[headerSize : headerSize+dataSize],
		skipped: map[uint16]bool{},
	}, nil
}

// Next returns the next profiled message, io.EOF at end of file, or a
// FormatError on structural corruption. Messages whose global number has no
// profile are skipped with a diagnostic rather than failing the file.
func (d *Decoder) Next() (*Message, error) {
	for {
		if d.pos >= len(d.body) {
			return nil, io.EOF
		}

		header := d.body[d.pos]
		d.pos++

		if header&headerMaskCompress != 0 {
			localType := (header >> 5) & 0x03
			msg, err := d.decodeData(localType, true, header&0x1F)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
			continue
		}

		if header&headerMaskDefine != 0 {
			if err := d.decodeDefinition(header&0x0F, header&headerMaskDevData != 0); err != nil {
				return nil, err
			}
			continue
		}

		msg, err := d.decodeData(header&0x0F, false, 0)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// Diagnostics returns the non-fatal conditions observed so far.
func (d *Decoder) Diagnostics() []string {
	return d.diagnostics
}

func (d *Decoder) decodeDefinition(localType byte, hasDevData bool) error {
	fixed, err := d.take(5)
	if err != nil {
		return err
	}

	def := &definition{bigEndian: fixed[1] == 1}
	if def.bigEndian {
		def.mesgNum = binary.BigEndian.Uint16(fixed[2:4])
	} else {
		def.mesgNum = binary.LittleEndian.Uint16(fixed[2:4])
	}

	fieldCount := int(fixed[4])
	raw, err := d.take(fieldCount * 3)
	if err != nil {
		return err
	}
	def.fields = make([]definitionField, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		field := definitionField{num: raw[i*3], size: raw[i*3+1], baseType: raw[i*3+2]}
		if baseTypeSize(field.baseType) == 0 {
			return domain.NewFormatError(d.file,
				fmt.Sprintf("unknown base type 0x%02x in definition of message %d", field.baseType, def.mesgNum), nil)
		}
		def.fields = append(def.fields, field)
	}

	if hasDevData {
		countRaw, err := d.take(1)
		if err != nil {
			return err
		}
		devDefs, err := d.take(int(countRaw[0]) * 3)
		if err != nil {
			return err
		}
		for i := 0; i < int(countRaw[0]); i++ {
			def.devDataBytes += int(devDefs[i*3+1])
		}
	}

	d.defs[localType] = def
	return nil
}

func (d *Decoder) decodeData(localType byte, compressed bool, timeOffset byte) (*Message, error) {
	def := d.defs[localType]
	if def == nil {
		return nil, domain.NewFormatError(d.file,
			fmt.Sprintf("data record for undefined local type %d", localType), nil)
	}

	profile, known := messageProfiles[def.mesgNum]

	msg := &Message{MesgNum: def.mesgNum, Fields: map[byte]Value{}}
	if known {
		msg.Name = profile.name
	}

	for _, field := range def.fields {
		raw, err := d.take(int(field.size))
		if err != nil {
			return nil, err
		}
		if !known {
			continue
		}
		value, ok := d.parseField(def, profile, field, raw)
		if !ok {
			continue
		}
		msg.Fields[field.num] = value
		if field.num == FieldTimestamp {
			if t, isTime := value.Time(); isTime {
				msg.Timestamp = t
			}
		}
	}

	if def.devDataBytes > 0 {
		if _, err := d.take(def.devDataBytes); err != nil {
			return nil, err
		}
	}

	if compressed {
		msg.Timestamp = d.expandTimestamp(timeOffset)
		msg.Fields[FieldTimestamp] = NewValue(msg.Timestamp)
	}

	if !known {
		if !d.skipped[def.mesgNum] {
			d.skipped[def.mesgNum] = true
			d.diagnostics = append(d.diagnostics,
				fmt.Sprintf("skipping unrecognized message type %d", def.mesgNum))
		}
		return nil, nil
	}

	return msg, nil
}

// parseField converts raw field bytes into a typed, unit-resolved value.
// Fields holding the base type's invalid sentinel are dropped.
func (d *Decoder) parseField(def *definition, profile messageProfile, field definitionField, raw []byte) (Value, bool) {
	width := baseTypeSize(field.baseType)

	if field.baseType == baseString {
		text := string(raw)
		if idx := strings.IndexByte(text, 0); idx >= 0 {
			text = text[:idx]
		}
		if text == "" {
			return Value{}, false
		}
		return NewValue(text), true
	}

	if int(field.size) < width {
		return Value{}, false
	}
	// Array fields carry multiple elements; only the first is surfaced.
	element := raw[:width]

	var bits uint64
	if def.bigEndian {
		for _, b := range element {
			bits = bits<<8 | uint64(b)
		}
	} else {
		for i := len(element) - 1; i >= 0; i-- {
			bits = bits<<8 | uint64(element[i])
		}
	}

	if field.baseType != baseFloat32 && field.baseType != baseFloat64 && bits == invalidRaw(field.baseType) {
		return Value{}, false
	}

	fieldInfo := profile.fields[field.num]

	if fieldInfo.isTimestamp {
		ts := uint32(bits)
		d.lastTimestamp = ts
		return NewValue(epochTime(ts)), true
	}

	var numeric float64
	signed := false
	switch field.baseType {
	case baseSint8:
		numeric, signed = float64(int8(bits)), true
	case baseSint16:
		numeric, signed = float64(int16(bits)), true
	case baseSint32:
		numeric, signed = float64(int32(bits)), true
	case baseSint64:
		numeric, signed = float64(int64(bits)), true
	case baseFloat32:
		f := float64(math.Float32frombits(uint32(bits)))
		if math.IsNaN(f) {
			return Value{}, false
		}
		return applyTransform(fieldInfo, f), true
	case baseFloat64:
		f := math.Float64frombits(bits)
		if math.IsNaN(f) {
			return Value{}, false
		}
		return applyTransform(fieldInfo, f), true
	default:
		numeric = float64(bits)
	}

	if fieldInfo.scale != 0 || fieldInfo.offset != 0 {
		return applyTransform(fieldInfo, numeric), true
	}
	if signed {
		return NewValue(int64(numeric)), true
	}
	return NewValue(bits), true
}

func applyTransform(fieldInfo fieldProfile, raw float64) Value {
	scale := fieldInfo.scale
	if scale == 0 {
		scale = 1
	}
	return NewValue(raw/scale - fieldInfo.offset)
}

// expandTimestamp converts a 5-bit rolling time offset to absolute time
// using the most recent absolute timestamp seen in the stream.
func (d *Decoder) expandTimestamp(offset byte) time.Time {
	prev := d.lastTimestamp
	ts := (prev &^ 0x1F) + uint32(offset)
	if uint32(offset) < prev&0x1F {
		ts += 0x20
	}
	d.lastTimestamp = ts
	return epochTime(ts)
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.body) {
		return nil, domain.NewFormatError(d.file, "record truncated mid-field", nil)
	}
	raw := d.body[d.pos : d.pos+n]
	d.pos += n
	return raw, nil
}
