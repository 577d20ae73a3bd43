package channel

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// seekFile is the subset of *os.File and *sftp.File that bufferedFile needs.
type seekFile interface {
	io.ReadWriteSeeker
	io.Closer
}

// bufferedFile adds line reads and buffered writes to a seekable file.
type bufferedFile struct {
	f    seekFile
	mode OpenMode
	r    *bufio.Reader
	w    *bufio.Writer
	// wrap converts errors of the underlying transport.
	wrap func(op string, err error) error
}

func newBufferedFile(f seekFile, mode OpenMode, wrap func(string, error) error) *bufferedFile {
	bf := &bufferedFile{f: f, mode: mode, wrap: wrap}
	if mode == ReadOnly {
		bf.r = bufio.NewReaderSize(f, 64*1024)
	} else {
		bf.w = bufio.NewWriterSize(f, 64*1024)
	}
	if bf.wrap == nil {
		bf.wrap = func(_ string, err error) error { return err }
	}
	return bf
}

func (b *bufferedFile) Read(p []byte) (int, error) {
	if b.r == nil {
		return 0, errors.New("channel: file not open for reading")
	}
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		err = b.wrap("read", err)
	}
	return n, err
}

func (b *bufferedFile) ReadLine() (string, error) {
	if b.r == nil {
		return "", errors.New("channel: file not open for reading")
	}
	line, err := b.r.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	if err != nil {
		if err != io.EOF {
			err = b.wrap("read", err)
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (b *bufferedFile) Write(p []byte) (int, error) {
	if b.w == nil {
		return 0, errors.New("channel: file not open for writing")
	}
	n, err := b.w.Write(p)
	if err != nil {
		err = b.wrap("write", err)
	}
	return n, err
}

func (b *bufferedFile) Flush() error {
	if b.w == nil {
		return nil
	}
	if err := b.w.Flush(); err != nil {
		return b.wrap("write", err)
	}
	return nil
}

func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	if err := b.Flush(); err != nil {
		return 0, err
	}
	if b.r != nil && whence == io.SeekCurrent {
		offset -= int64(b.r.Buffered())
	}
	pos, err := b.f.Seek(offset, whence)
	if err != nil {
		return pos, b.wrap("seek", err)
	}
	if b.r != nil {
		b.r.Reset(b.f)
	}
	return pos, nil
}

func (b *bufferedFile) Close() error {
	flushErr := b.Flush()
	closeErr := b.f.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return b.wrap("close", closeErr)
	}
	return nil
}
