// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/emutrace/qtrace/trace"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// File name suffixes of the trace companion files.
const (
	ExtStatic  = ".static"
	ExtBB      = ".bb"
	ExtInsn    = ".insn"
	ExtLoad    = ".load"
	ExtStore   = ".store"
	ExtExc     = ".exc"
	ExtPid     = ".pid"
	ExtMethod  = ".method"
	ExtDexList = ".dexlist"

	// zstdSuffix marks a compressed copy of a companion file.
	zstdSuffix = ".zst"
)

// Path returns the name of the companion file with suffix ext inside the
// trace directory dir: "<dir>/qtrace<ext>".
func Path(dir, ext string) (string, error) {
	if dir == "" || dir == "/" {
		return "", fmt.Errorf("invalid trace directory %q", dir)
	}
	return strings.TrimSuffix(dir, "/") + "/qtrace" + ext, nil
}

// zstdFile closes both the decoder and the underlying file.
type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// openFile opens a companion file. If the plain file does not exist but a
// zstd compressed copy does, the copy is decompressed transparently.
// A missing file is reported with an error matching fs.ErrNotExist.
func openFile(dir, ext string) (io.ReadCloser, error) {
	name, err := Path(dir, ext)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(name)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	zf, zerr := os.Open(name + zstdSuffix)
	if zerr != nil {
		// Report the plain name, that is what the caller asked for.
		return nil, err
	}
	dec, zerr := zstd.NewReader(zf)
	if zerr != nil {
		_ = zf.Close()
		return nil, fmt.Errorf("failed to open %s%s: %w", name, zstdSuffix, zerr)
	}
	return &zstdFile{Decoder: dec, f: zf}, nil
}
