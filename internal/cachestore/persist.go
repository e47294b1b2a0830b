package cachestore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// magicV2 is the v2 snapshot header (spec §4.7 "Persistence format (v2)").
// There is no off-the-shelf codec for this exact layout, so the codec is
// hand-rolled over encoding/binary — an ambient concern (durable
// key/value wire format) the corpus has no library for, unlike the
// config/logging/CLI concerns that do reuse its stack.
var magicV2 = [4]byte{'S', 'K', 'V', '2'}

// Save writes every live key to path atomically: a temp sibling file is
// written and fsynced, then renamed over path (spec §4.7 "A save is
// atomic by writing to a temporary sibling file and renaming").
func (s *Store) Save(path string) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return xerr.Wrap(xerr.CodeFatal, "cachestore: create snapshot temp file", err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(magicV2[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return xerr.Wrap(xerr.CodeFatal, "cachestore: write snapshot header", err)
	}

	s.mu.Lock()
	writeErr := s.encodeAllLocked(w)
	s.mu.Unlock()

	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = f.Sync()
	}
	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(tmp)
		return xerr.Wrap(xerr.CodeFatal, "cachestore: write snapshot body", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return xerr.Wrap(xerr.CodeFatal, "cachestore: close snapshot temp file", closeErr)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return xerr.Wrap(xerr.CodeFatal, "cachestore: rename snapshot into place", err)
	}
	return nil
}

func (s *Store) encodeAllLocked(w io.Writer) error {
	now := time.Now()
	for key, e := range s.data {
		if e.expireAt != nil && e.expireAt.Before(now) {
			continue
		}
		if err := encodeEntry(w, key, e, now); err != nil {
			return err
		}
	}
	return nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func encodeEntry(w io.Writer, key string, e *entry, now time.Time) error {
	if _, err := w.Write([]byte{byte(e.kind)}); err != nil {
		return err
	}
	if err := writeBytes(w, []byte(key)); err != nil {
		return err
	}

	switch e.kind {
	case KindString:
		if err := writeBytes(w, e.str); err != nil {
			return err
		}
	case KindList:
		if err := writeU32(w, uint32(len(e.list))); err != nil {
			return err
		}
		for _, v := range e.list {
			if err := writeBytes(w, v); err != nil {
				return err
			}
		}
	case KindSet:
		if err := writeU32(w, uint32(len(e.set))); err != nil {
			return err
		}
		for m := range e.set {
			if err := writeBytes(w, []byte(m)); err != nil {
				return err
			}
		}
	case KindHash:
		if err := writeU32(w, uint32(len(e.hash))); err != nil {
			return err
		}
		for field, v := range e.hash {
			if err := writeBytes(w, []byte(field)); err != nil {
				return err
			}
			if err := writeBytes(w, v); err != nil {
				return err
			}
		}
	}

	if e.expireAt == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	remaining := e.expireAt.Sub(now).Milliseconds()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(remaining))
	_, err := w.Write(b[:])
	return err
}

// Load replaces the store's contents with what path decodes to. It
// auto-detects v1 (no magic, flat string-only records) vs v2 by
// inspecting the first four bytes (spec §4.7 "A legacy v1 format ...
// must still load if the first four bytes are not the magic").
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerr.Wrap(xerr.CodeFatal, "cachestore: read snapshot", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*entry)
	s.currentMemory = 0
	if s.lruIndex {
		s.lru.Init()
	}

	r := bytes.NewReader(raw)
	if len(raw) >= 4 && bytes.Equal(raw[:4], magicV2[:]) {
		if _, err := r.Seek(4, io.SeekStart); err != nil {
			return xerr.Wrap(xerr.CodeFatal, "cachestore: seek past snapshot header", err)
		}
		return s.decodeV2Locked(r)
	}
	return s.decodeV1Locked(bytes.NewReader(raw))
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Store) decodeV2Locked(r io.Reader) error {
	for {
		var tagBuf [1]byte
		if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return xerr.Wrap(xerr.CodeFatal, "cachestore: read snapshot entry tag", err)
		}

		key, err := readBytes(r)
		if err != nil {
			return xerr.Wrap(xerr.CodeFatal, "cachestore: read snapshot key", err)
		}

		e := &entry{kind: Kind(tagBuf[0]), size: int64(len(key))}
		switch e.kind {
		case KindString:
			v, err := readBytes(r)
			if err != nil {
				return err
			}
			e.str = v
			e.size += int64(len(v))
		case KindList:
			n, err := readU32(r)
			if err != nil {
				return err
			}
			e.list = make([][]byte, n)
			for i := range e.list {
				v, err := readBytes(r)
				if err != nil {
					return err
				}
				e.list[i] = v
				e.size += int64(len(v))
			}
		case KindSet:
			n, err := readU32(r)
			if err != nil {
				return err
			}
			e.set = make(map[string]struct{}, n)
			for i := uint32(0); i < n; i++ {
				v, err := readBytes(r)
				if err != nil {
					return err
				}
				e.set[string(v)] = struct{}{}
				e.size += int64(len(v))
			}
		case KindHash:
			n, err := readU32(r)
			if err != nil {
				return err
			}
			e.hash = make(map[string][]byte, n)
			for i := uint32(0); i < n; i++ {
				field, err := readBytes(r)
				if err != nil {
					return err
				}
				val, err := readBytes(r)
				if err != nil {
					return err
				}
				e.hash[string(field)] = val
				e.size += int64(len(field)) + int64(len(val))
			}
		}

		var hasExpiry [1]byte
		if _, err := io.ReadFull(r, hasExpiry[:]); err != nil {
			return xerr.Wrap(xerr.CodeFatal, "cachestore: read snapshot expiry flag", err)
		}
		if hasExpiry[0] == 1 {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return xerr.Wrap(xerr.CodeFatal, "cachestore: read snapshot expiry value", err)
			}
			remainingMs := int64(binary.LittleEndian.Uint64(b[:]))
			at := time.Now().Add(time.Duration(remainingMs) * time.Millisecond)
			e.expireAt = &at
		}

		s.data[string(key)] = e
		s.currentMemory += e.size
		s.touchLRULocked(string(key), e)
	}
}

// decodeV1Locked reads the legacy flat string-only format: repeated
// (key_len, key, val_len, val) with no tag, no expiry, no magic.
func (s *Store) decodeV1Locked(r io.Reader) error {
	for {
		key, err := readBytes(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return xerr.Wrap(xerr.CodeFatal, "cachestore: read v1 snapshot key", err)
		}
		val, err := readBytes(r)
		if err != nil {
			return xerr.Wrap(xerr.CodeFatal, "cachestore: read v1 snapshot value", err)
		}

		e := &entry{kind: KindString, str: val, size: int64(len(key) + len(val))}
		s.data[string(key)] = e
		s.currentMemory += e.size
		s.touchLRULocked(string(key), e)
	}
}
