// Package hiddesc walks a HID report descriptor far enough to compute
// the fixed report capability lengths of a device. It deliberately
// ignores usages, collections and units; only the Report Size, Report
// Count and Report ID state is tracked.
package hiddesc

import (
	"fmt"
)

// Short item prefixes, tag and type bits only (size bits masked off).
const (
	tagInput       = 0x80
	tagOutput      = 0x90
	tagFeature     = 0xb0
	tagReportSize  = 0x74
	tagReportID    = 0x84
	tagReportCount = 0x94
	tagPush        = 0xa4
	tagPop         = 0xb4
	longItemPrefix = 0xfe
)

// ReportLengths carries the maximum byte length of each report kind,
// including the leading report-id byte, and whether the device uses
// numbered reports at all. A zero length means the device declares no
// report of that kind.
type ReportLengths struct {
	Input    uint16
	Output   uint16
	Feature  uint16
	Numbered bool
}

type globalState struct {
	reportSize  uint32
	reportCount uint32
	reportID    uint8
}

// ParseLengths decodes the descriptor item stream and accumulates the
// bit width of every Input, Output and Feature main item per report
// id. The capability length of a kind is the widest of its reports,
// rounded up to whole bytes, plus the report-id byte.
func ParseLengths(desc []byte) (ReportLengths, error) {
	var (
		state    globalState
		stack    []globalState
		numbered bool
	)
	bits := map[byte]map[uint8]uint32{
		tagInput:   {},
		tagOutput:  {},
		tagFeature: {},
	}

	i := 0
	for i < len(desc) {
		prefix := desc[i]
		if prefix == longItemPrefix {
			if i+2 > len(desc)-1 {
				return ReportLengths{}, fmt.Errorf("truncated long item at offset %d", i)
			}
			i += 3 + int(desc[i+1])
			continue
		}
		size := int(prefix & 0x03)
		if size == 3 {
			size = 4
		}
		if i+1+size > len(desc) {
			return ReportLengths{}, fmt.Errorf("truncated item at offset %d", i)
		}
		payload := desc[i+1 : i+1+size]
		i += 1 + size

		switch prefix & 0xfc {
		case tagReportSize:
			state.reportSize = uvalue(payload)
		case tagReportCount:
			state.reportCount = uvalue(payload)
		case tagReportID:
			state.reportID = uint8(uvalue(payload))
			numbered = true
		case tagPush:
			stack = append(stack, state)
		case tagPop:
			if len(stack) == 0 {
				return ReportLengths{}, fmt.Errorf("pop without push at offset %d", i)
			}
			state = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case tagInput, tagOutput, tagFeature:
			bits[prefix&0xfc][state.reportID] += state.reportSize * state.reportCount
		}
	}

	return ReportLengths{
		Input:    byteLength(bits[tagInput]),
		Output:   byteLength(bits[tagOutput]),
		Feature:  byteLength(bits[tagFeature]),
		Numbered: numbered,
	}, nil
}

func byteLength(perReport map[uint8]uint32) uint16 {
	var max uint32
	for _, b := range perReport {
		if b > max {
			max = b
		}
	}
	if max == 0 {
		return 0
	}
	// whole bytes plus the leading report-id byte
	return uint16((max+7)/8) + 1
}

func uvalue(payload []byte) uint32 {
	var v uint32
	for i := len(payload) - 1; i >= 0; i-- {
		v = v<<8 | uint32(payload[i])
	}
	return v
}
