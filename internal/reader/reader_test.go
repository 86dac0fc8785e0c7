package reader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalstream/healthsync/internal/model"
)

const sampleExport = `<?xml version="1.0" encoding="UTF-8"?>
<HealthData locale="en_US">
 <ExportDate value="2026-08-01 10:00:00 -0700"/>
 <Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" value="72" startDate="2026-07-01 08:00:00 -0700" endDate="2026-07-01 08:00:00 -0700">
  <MetadataEntry key="HKMetadataKeyHeartRateMotionContext" value="1"/>
 </Record>
 <Record type="HKQuantityTypeIdentifierStepCount" sourceName="Phone" unit="count" value="412" startDate="2026-07-01 09:00:00 -0700" endDate="2026-07-01 09:10:00 -0700"/>
 <Record type="HKQuantityTypeIdentifierBodyMass" sourceName="Scale" unit="kg" value="81.5" startDate="2026-07-01 07:00:00 -0700" endDate="2026-07-01 07:00:00 -0700"/>
 <Workout workoutActivityType="HKWorkoutActivityTypeRunning" duration="42.5" durationUnit="min" totalDistance="8.2" totalDistanceUnit="km" totalEnergyBurned="512" totalEnergyBurnedUnit="kcal" sourceName="Watch" startDate="2026-07-01 06:00:00 -0700" endDate="2026-07-01 06:42:30 -0700"/>
 <ActivitySummary dateComponents="2026-07-01" activeEnergyBurned="640" appleExerciseTime="45" appleStandHours="11"/>
 <Record type="HKQuantityTypeIdentifierUnknownThing" sourceName="App" value="1" startDate="2026-07-01 10:00:00 -0700" endDate="2026-07-01 10:00:00 -0700"/>
</HealthData>
`

func collect(t *testing.T, rd *Reader, input string) []model.RawElement {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	elements, errs := rd.Stream(ctx, strings.NewReader(input))
	var out []model.RawElement
	for el := range elements {
		out = append(out, el)
	}
	require.NoError(t, <-errs)
	return out
}

func TestStreamClassifiesElements(t *testing.T) {
	t.Parallel()

	out := collect(t, New(Options{}), sampleExport)
	require.Len(t, out, 6)

	assert.Equal(t, model.ElementRecord, out[0].Kind)
	assert.Equal(t, model.CategoryVitals, out[0].Category)
	assert.Equal(t, "HKQuantityTypeIdentifierHeartRate", out[0].Type)
	assert.Equal(t, "72", out[0].Attrs["value"])
	assert.Equal(t, "1", out[0].Attrs["HKMetadataKeyHeartRateMotionContext"], "metadata folded into attrs")
	assert.Equal(t, int64(1), out[0].Seq)

	assert.Equal(t, model.CategoryActivity, out[1].Category)
	assert.Equal(t, int64(1), out[1].Seq, "sequence numbers are per category")
	assert.Equal(t, model.CategoryBody, out[2].Category)
	assert.Equal(t, model.CategoryWorkout, out[3].Category)
	assert.Equal(t, model.CategoryActivitySummary, out[4].Category)
	assert.Equal(t, "2026-07-01", out[4].Attrs["dateComponents"])
	assert.Equal(t, model.CategoryUnclassified, out[5].Category)
}

func TestStreamSkipsCorruptedFragments(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	sb.WriteString("<HealthData>\n")
	for i := 0; i < 1000; i++ {
		if i%59 == 0 && i/59 < 17 {
			// Unquoted attribute value: delimited, but not valid XML.
			sb.WriteString(`<Record type="HKQuantityTypeIdentifierHeartRate" value=corrupt startDate="2026-07-01 08:00:00 -0700"/>` + "\n")
			continue
		}
		sb.WriteString(`<Record type="HKQuantityTypeIdentifierStepCount" sourceName="Phone" unit="count" value="10" startDate="2026-07-01 09:00:00 -0700" endDate="2026-07-01 09:01:00 -0700"/>` + "\n")
	}
	sb.WriteString("</HealthData>\n")

	var fragments []*ParseError
	rd := New(Options{OnFragment: func(pe *ParseError) { fragments = append(fragments, pe) }})

	out := collect(t, rd, sb.String())
	assert.Len(t, out, 983)
	require.Len(t, fragments, 17)
	for _, pe := range fragments {
		assert.Positive(t, pe.Offset)
		assert.Error(t, pe.Err)
	}
	// Last good element still carries a contiguous per-category sequence.
	assert.Equal(t, int64(983), out[len(out)-1].Seq)
}

func TestStreamMismatchedCloseTag(t *testing.T) {
	t.Parallel()

	input := `<HealthData>
<Record type="HKQuantityTypeIdentifierHeartRate" value="70" startDate="2026-07-01 08:00:00 -0700"></Wrong>
<Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" value="71" startDate="2026-07-01 08:01:00 -0700" endDate="2026-07-01 08:01:00 -0700"/>
</HealthData>`

	var bad int
	rd := New(Options{OnFragment: func(*ParseError) { bad++ }})
	out := collect(t, rd, input)

	assert.Equal(t, 1, bad)
	require.Len(t, out, 1)
	assert.Equal(t, "71", out[0].Attrs["value"])
}

func TestStreamTruncatedInput(t *testing.T) {
	t.Parallel()

	input := `<HealthData>
<Record type="HKQuantityTypeIdentifierHeartRate" sourceName="Watch" unit="count/min" value="71" startDate="2026-07-01 08:01:00 -0700" endDate="2026-07-01 08:01:00 -0700"/>
<Record type="HKQuantityTypeIdentifierHeartRate" value="72" startDate="2026-07-0`

	var bad int
	rd := New(Options{OnFragment: func(*ParseError) { bad++ }})
	out := collect(t, rd, input)

	require.Len(t, out, 1)
	assert.Equal(t, 1, bad, "truncated trailing fragment is counted, not fatal")
}

func TestStreamContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	rd := New(Options{Buffer: 1})

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString(`<Record type="HKQuantityTypeIdentifierStepCount" value="1" startDate="2026-07-01 09:00:00 -0700"/>` + "\n")
	}
	elements, errs := rd.Stream(ctx, strings.NewReader(sb.String()))

	<-elements
	cancel()
	for range elements {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestOpenPlainAndGzip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	plain := filepath.Join(dir, "export.xml")
	require.NoError(t, os.WriteFile(plain, []byte(sampleExport), 0o644))

	gzPath := filepath.Join(dir, "export.xml.gz")
	f, err := os.Create(gzPath)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(sampleExport))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	for _, path := range []string{plain, gzPath} {
		rc, err := Open(path)
		require.NoError(t, err)
		elements, errs := New(Options{}).Stream(context.Background(), rc)
		var n int
		for range elements {
			n++
		}
		require.NoError(t, <-errs)
		assert.Equal(t, 6, n, path)
		require.NoError(t, rc.Close())
	}
}

func TestSourceHashChangesWithFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "export.xml")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	h1, err := SourceHash(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("different length"), 0o644))
	h2, err := SourceHash(path)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)

	_, err = SourceHash(filepath.Join(dir, "missing.xml"))
	assert.Error(t, err)
}

func TestCharsetDeclaration(t *testing.T) {
	t.Parallel()

	input := `<?xml version="1.0" encoding="ISO-8859-1"?>
<HealthData>
<Record type="HKQuantityTypeIdentifierStepCount" sourceName="T\xe9l\xe9phone" value="5" startDate="2026-07-01 09:00:00 -0700"/>
</HealthData>`
	// Latin-1 bytes for the accented source name.
	input = strings.ReplaceAll(input, `\xe9`, "\xe9")

	out := collect(t, New(Options{}), input)
	require.Len(t, out, 1)
	assert.Equal(t, "Téléphone", out[0].Attrs["sourceName"])
}
