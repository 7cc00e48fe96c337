package streamdecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedStdoutSimpleLines(t *testing.T) {
	d := New()
	lines := d.FeedStdout([]byte("hello\nworld\n"))
	require.Equal(t, []string{"hello", "world"}, lines)
}

func TestFeedStdoutCRLFNormalized(t *testing.T) {
	d := New()
	lines := d.FeedStdout([]byte("hello\r\nworld\r\n"))
	require.Equal(t, []string{"hello", "world"}, lines)
}

func TestFeedStdoutPartialLineBuffersAcrossChunks(t *testing.T) {
	d := New()
	lines := d.FeedStdout([]byte("partial-li"))
	require.Empty(t, lines)

	lines = d.FeedStdout([]byte("ne\n"))
	require.Equal(t, []string{"partial-line"}, lines)
}

func TestFeedStderrPrefixesLines(t *testing.T) {
	d := New()
	lines := d.FeedStderr([]byte("something broke\n"))
	require.Equal(t, []string{"STDERR: something broke"}, lines)
}

func TestFeedStdoutCLIXMLSplitAcrossChunks(t *testing.T) {
	d := New()
	var got []string

	got = append(got, d.FeedStdout([]byte("#< CLIXML\n"))...)
	got = append(got, d.FeedStdout([]byte("<Objs Version=\"1.1.0.1\">\n"))...)
	got = append(got, d.FeedStdout([]byte("<S S=\"Output\">first line</S>\n"))...)
	got = append(got, d.FeedStdout([]byte("<S S=\"Output\">second line</S>\n"))...)
	got = append(got, d.FeedStdout([]byte("</Objs>\n"))...)

	require.Equal(t, []string{"first line", "second line"}, got)
}

func TestFeedStdoutResumesNormalLinesAfterCLIXML(t *testing.T) {
	d := New()
	d.FeedStdout([]byte("#< CLIXML\n<Objs><S>only</S></Objs>\n"))
	lines := d.FeedStdout([]byte("back to normal\n"))
	require.Equal(t, []string{"back to normal"}, lines)
}

func TestFlushReturnsTrailingPartialLine(t *testing.T) {
	d := New()
	d.FeedStdout([]byte("no trailing newline"))
	lines := d.Flush()
	require.Equal(t, []string{"no trailing newline"}, lines)
}

func TestFlushDropsUnterminatedCLIXML(t *testing.T) {
	d := New()
	d.FeedStdout([]byte("#< CLIXML\n<Objs><S>partial\n"))
	lines := d.Flush()
	require.Empty(t, lines)
}
