package diag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/ledgersim/kernel/threads/ledger"
)

const (
	LedgerFile  = "ledger.txt"
	MetricsFile = "metrics.prom"
)

// WriteLedger renders blocks as text into w.
func WriteLedger(w io.Writer, blocks []ledger.Block) error {
	bw := bufio.NewWriter(w)
	for _, b := range blocks {
		fmt.Fprintf(bw, "=== block %d ===\n", b.Index)
		for i, tx := range b.Transactions {
			fmt.Fprintf(bw, "  [%d] %s\n", i, tx)
		}
	}
	return bw.Flush()
}

// DumpLedger writes the ledger dump into dir and returns the file path. With
// compress set the file is brotli encoded and gets a .br suffix.
func DumpLedger(dir string, blocks []ledger.Block, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, LedgerFile)
	if compress {
		path += ".br"
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if !compress {
		if err := WriteLedger(f, blocks); err != nil {
			return "", err
		}
		return path, f.Close()
	}

	bw := brotli.NewWriterLevel(f, brotli.DefaultCompression)
	if err := WriteLedger(bw, blocks); err != nil {
		return "", err
	}
	if err := bw.Close(); err != nil {
		return "", err
	}
	return path, f.Close()
}

// OpenDump opens a dump written by DumpLedger, decoding brotli if needed.
func OpenDump(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".br" {
		return f, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{brotli.NewReader(f), f}, nil
}

// DumpMetrics writes every metric of g in the Prometheus text format.
func DumpMetrics(dir string, g prometheus.Gatherer) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, MetricsFile)
	return path, prometheus.WriteToTextfile(path, g)
}
