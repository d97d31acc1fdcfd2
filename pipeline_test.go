package consensus

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPipeline(t *testing.T, input string, opts Opts) (string, error) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	opts.InputPath = filepath.Join(tempDir, "in.tsv")
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(tempDir, "out.tsv")
	} else {
		opts.OutputPath = filepath.Join(tempDir, opts.OutputPath)
	}
	opts.ScratchDir = tempDir
	require.NoError(t, ioutil.WriteFile(opts.InputPath, []byte(input), 0644))
	err := Run(context.Background(), opts)
	out, readErr := ioutil.ReadFile(opts.OutputPath)
	if os.IsNotExist(readErr) {
		return "", err
	}
	require.NoError(t, readErr)
	return string(out), err
}

func TestRunWorkedExample(t *testing.T) {
	// Two reads of one molecule, one with a low-quality dissenting base
	// at the last position. q40 is 'I', q10 is '+'.
	input := "r1\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n" +
		"r2\tchr1\t100\t+\tAAT\t0\tACGA\tIII+\n"
	out, err := runPipeline(t, input, Opts{})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "#REF\tPOS\tSTRAND\tUMI\tMATE\tSUPPORT\tCONFIDENCE\tSEQ\tQUAL\tDISCORDANT", lines[0])
	fields := strings.Split(lines[1], "\t")
	require.Len(t, fields, 10)
	assert.Equal(t, []string{"chr1", "100", "+", "AAT", "0", "2", "full"}, fields[:7])
	assert.Equal(t, "ACGT", fields[7])
	assert.Len(t, fields[8], 4)
	assert.Equal(t, "0,0,0,1", fields[9])
}

func TestRunOrdering(t *testing.T) {
	var b strings.Builder
	// Groups arrive scrambled across contigs, positions and barcodes.
	for i := 200; i > 0; i-- {
		fmt.Fprintf(&b, "r%d\tchr%d\t%d\t+\tA%c\t0\tACGT\tIIII\n", i, 1+i%3, 1000-i, 'A'+i%4)
	}
	out, err := runPipeline(t, b.String(), Opts{Parallelism: 4})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.True(t, len(lines) > 2)
	var prev GroupKey
	for i, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		key := GroupKey{Ref: fields[0], Reverse: fields[2] == "-", UMI: fields[3]}
		fmt.Sscanf(fields[1], "%d", &key.Pos)
		if i > 0 {
			require.True(t, prev.Ref < key.Ref ||
				(prev.Ref == key.Ref && prev.Pos < key.Pos) ||
				(prev.Ref == key.Ref && prev.Pos == key.Pos && prev.UMI < key.UMI),
				"line %d: %s not after %s", i, key, prev)
		}
		prev = key
	}
}

func TestRunSpillTransparent(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&b, "r%d\tchr1\t%d\t+\tAA%c\t0\tACGT\tIIII\n", i, i%97, 'A'+i%7)
	}
	input := b.String()
	want, err := runPipeline(t, input, Opts{})
	require.NoError(t, err)
	got, err := runPipeline(t, input, Opts{SpillThreshold: 128})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunEmptyInput(t *testing.T) {
	out, err := runPipeline(t, "", Opts{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunMalformedAbort(t *testing.T) {
	input := "r1\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n" +
		"not a record\n"
	out, err := runPipeline(t, input, Opts{})
	require.Error(t, err)
	// No partial output is left behind.
	assert.Empty(t, out)
}

func TestRunMalformedSkip(t *testing.T) {
	input := "r1\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n" +
		"not a record\n" +
		"r2\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n"
	out, err := runPipeline(t, input, Opts{SkipMalformed: true})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "\t2\tfull\t")
}

func TestRunFASTQOutput(t *testing.T) {
	input := "r1\tchr1\t100\t-\tAAT\t0\tACGT\tIIII\n" +
		"r2\tchr1\t100\t-\tAAT\t0\tACGT\tIIII\n"
	out, err := runPipeline(t, input, Opts{OutputPath: "out.fastq"})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "@chr1:100:-:AAT/0 reads=2 conf=full", lines[0])
	assert.Equal(t, "ACGT", lines[1])
	assert.Equal(t, "+", lines[2])
	assert.Len(t, lines[3], 4)
}

func TestRunVerboseNames(t *testing.T) {
	input := "r1\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n" +
		"r2\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n"
	out, err := runPipeline(t, input, Opts{VerboseNames: true})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "\tNAMES"))
	assert.True(t, strings.HasSuffix(lines[1], "\tr1,r2"))
}

func TestRunCanceledContext(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	inPath := filepath.Join(tempDir, "in.tsv")
	require.NoError(t, ioutil.WriteFile(inPath,
		[]byte("r1\tchr1\t100\t+\tAAT\t0\tACGT\tIIII\n"), 0644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, Opts{InputPath: inPath, OutputPath: filepath.Join(tempDir, "out.tsv")})
	assert.Equal(t, context.Canceled, err)
}
