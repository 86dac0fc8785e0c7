package influx

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Point is a single measurement row in InfluxDB line protocol.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Time        time.Time
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

// EncodeLine renders one point in line protocol with a nanosecond
// timestamp. Tags are emitted in sorted key order so identical points
// always encode identically.
func EncodeLine(sb *strings.Builder, p Point) {
	sb.WriteString(measurementEscaper.Replace(p.Measurement))

	keys := make([]string, 0, len(p.Tags))
	for k, v := range p.Tags {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(',')
		sb.WriteString(tagEscaper.Replace(k))
		sb.WriteByte('=')
		sb.WriteString(tagEscaper.Replace(p.Tags[k]))
	}

	sb.WriteByte(' ')
	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(tagEscaper.Replace(k))
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(p.Fields[k], 'g', -1, 64))
	}

	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.Time.UnixNano(), 10))
}

// EncodeLines renders a batch as a newline-separated line protocol body.
func EncodeLines(points []Point) []byte {
	var sb strings.Builder
	for i, p := range points {
		if i > 0 {
			sb.WriteByte('\n')
		}
		EncodeLine(&sb, p)
	}
	return []byte(sb.String())
}
