package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

// readFileWithProgress loads path into memory, drawing a progress bar on out.
// Files larger than limit bytes are refused before reading.
func readFileWithProgress(path string, limit int, out io.Writer) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if limit > 0 && info.Size() > int64(limit) {
		return nil, fmt.Errorf("%s is %d bytes, the limit is %d", path, info.Size(), limit)
	}

	bar := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("reading "+filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	if _, err := io.Copy(io.MultiWriter(&buf, bar), file); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	_ = bar.Finish()
	return buf.Bytes(), nil
}
