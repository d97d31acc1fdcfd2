package fastq

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFASTQ = `@r1 first
ACGT
+
IIII
@r2 second
ACGAN
+
IIII#
`

func TestScanner(t *testing.T) {
	sc := NewScanner(strings.NewReader(testFASTQ))
	var r Read
	require.True(t, sc.Scan(&r))
	assert.Equal(t, Read{"@r1 first", "ACGT", "+", "IIII"}, r)
	require.True(t, sc.Scan(&r))
	assert.Equal(t, Read{"@r2 second", "ACGAN", "+", "IIII#"}, r)
	assert.False(t, sc.Scan(&r))
	assert.NoError(t, sc.Err())
}

func TestScannerErrors(t *testing.T) {
	for _, tc := range []struct {
		input string
		err   error
	}{
		{"r1\nACGT\n+\nIIII\n", ErrInvalid},         // missing @
		{"@r1\nACGT\nIIII\n+\n", ErrInvalid},        // missing +
		{"@r1\nACGT\n+\nII\n", ErrInvalid},          // seq/qual length mismatch
		{"@r1\nACGT\n+\n", ErrShort},                // truncated
		{"@r1\nACGT\n", ErrShort},                   // truncated
		{"@r1\nACGT\n+\nIIII\n@r2\nAC\n", ErrShort}, // truncated second read
	} {
		sc := NewScanner(strings.NewReader(tc.input))
		var r Read
		for sc.Scan(&r) {
		}
		assert.Equal(t, tc.err, sc.Err(), "input: %q", tc.input)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(&Read{ID: "@r1", Seq: "ACGT", Qual: "IIII"}))
	require.NoError(t, w.Write(&Read{ID: "@r2", Seq: "A", Unk: "+r2", Qual: "#"}))
	assert.Equal(t, "@r1\nACGT\n+\nIIII\n@r2\nA\n+r2\n#\n", buf.String())
}

func TestQualCodec(t *testing.T) {
	q, err := DecodeQual("I#~")
	require.NoError(t, err)
	assert.Equal(t, []byte{40, 2, 93}, q)
	assert.Equal(t, "I#~", EncodeQual(q))
	// Out of range score is clipped on encode.
	assert.Equal(t, "~", EncodeQual([]byte{200}))
	_, err = DecodeQual(string([]byte{31}))
	assert.Equal(t, ErrInvalid, err)
}

func TestReadHelpers(t *testing.T) {
	r := Read{Seq: "ACGN", Qual: "II#I"}
	assert.InDelta(t, (40+40+2+40)/4.0, r.MeanQual(), 1e-9)
	assert.InDelta(t, 0.25, r.FracN(), 1e-9)
	r.Trim(2)
	assert.Equal(t, "AC", r.Seq)
	assert.Equal(t, "II", r.Qual)
}
