package host

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

var errNoSuchLob = &types.ServerError{Code: 22922, Message: "nonexistent LOB value"}

// LobChunkSize returns the preferred read/write unit.
func (s *Session) LobChunkSize() int {
	return s.host.config.LobChunkSize
}

// CreateTempLob creates empty temporary content that lives until it is
// freed or the session closes.
func (s *Session) CreateTempLob(ctx context.Context, kind types.LobKind) (types.LobLocator, error) {
	var empty any = ""
	switch kind {
	case types.LobClob, types.LobNClob:
	case types.LobBlob:
		empty = []byte{}
	default:
		return types.LobLocator{}, &types.ServerError{Code: 22275, Message: "invalid LOB kind " + string(kind)}
	}
	loc := types.LobLocator{ID: uuid.NewString(), Kind: kind}
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO temp._temp_lobs (id, kind, data) VALUES ($1, $2, $3)", loc.ID, string(kind), empty)
	if err != nil {
		return types.LobLocator{}, serverError(err)
	}
	return loc, nil
}

// materializeLob copies fetched column content into temporary storage.
func (s *Session) materializeLob(ctx context.Context, kind types.LobKind, v any) (types.LobLocator, error) {
	loc, err := s.CreateTempLob(ctx, kind)
	if err != nil {
		return loc, err
	}
	data := v
	if kind.IsCharacter() {
		data = textOf(v)
	} else if str, ok := v.(string); ok {
		data = []byte(str)
	}
	_, err = s.conn.ExecContext(ctx, "UPDATE temp._temp_lobs SET data = $1 WHERE id = $2", data, loc.ID)
	if err != nil {
		return loc, serverError(err)
	}
	return loc, nil
}

// FreeTempLob releases temporary content.
func (s *Session) FreeTempLob(ctx context.Context, loc types.LobLocator) error {
	if loc.IsFile() {
		return nil
	}
	_, err := s.conn.ExecContext(ctx, "DELETE FROM temp._temp_lobs WHERE id = $1", loc.ID)
	return serverError(err)
}

// lobContent returns temporary content as a string for character LOBs
// and as bytes otherwise.
func (s *Session) lobContent(ctx context.Context, loc types.LobLocator) (any, error) {
	var data any
	err := s.conn.QueryRowxContext(ctx, "SELECT data FROM temp._temp_lobs WHERE id = $1", loc.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoSuchLob
	} else if err != nil {
		return nil, serverError(err)
	}
	if loc.Kind.IsCharacter() {
		return textOf(data), nil
	}
	if str, ok := data.(string); ok {
		return []byte(str), nil
	}
	b, _ := data.([]byte)
	return append([]byte(nil), b...), nil
}

// LobSize returns the length of the content, in characters for character
// LOBs and bytes otherwise. The content is not transferred.
func (s *Session) LobSize(ctx context.Context, loc types.LobLocator) (int64, error) {
	if loc.IsFile() {
		info, err := s.statFile(loc)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	var size int64
	err := s.conn.GetContext(ctx, &size, "SELECT length(data) FROM temp._temp_lobs WHERE id = $1", loc.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errNoSuchLob
	}
	return size, serverError(err)
}

// ReadLob returns up to amount units starting at the 1-based offset.
// Character content is returned UTF-8 encoded.
func (s *Session) ReadLob(ctx context.Context, loc types.LobLocator, offset, amount int64) ([]byte, error) {
	if offset < 1 || amount < 0 {
		return nil, &types.ServerError{Code: 21560, Message: "argument offset or amount is out of range"}
	}
	if loc.IsFile() {
		return s.readFile(loc, offset, amount)
	}
	var data any
	err := s.conn.QueryRowxContext(ctx,
		"SELECT substr(data, $1, $2) FROM temp._temp_lobs WHERE id = $3", offset, amount, loc.ID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoSuchLob
	} else if err != nil {
		return nil, serverError(err)
	}
	switch v := data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	}
	return []byte{}, nil
}

// WriteLob overwrites content starting at the 1-based offset. Writing past
// the end pads the gap with spaces for character LOBs and zero bytes
// otherwise.
func (s *Session) WriteLob(ctx context.Context, loc types.LobLocator, offset int64, data []byte) error {
	if loc.IsFile() {
		return &types.ServerError{Code: 22286, Message: "insufficient privileges on file"}
	}
	if offset < 1 {
		return &types.ServerError{Code: 21560, Message: "argument offset is out of range"}
	}
	current, err := s.lobContent(ctx, loc)
	if err != nil {
		return err
	}
	var updated any
	if loc.Kind.IsCharacter() {
		if !utf8.Valid(data) {
			return &types.ServerError{Code: 29275, Message: "partial multibyte character"}
		}
		updated = spliceRunes([]rune(current.(string)), int(offset-1), []rune(string(data)))
	} else {
		updated = spliceBytes(current.([]byte), int(offset-1), data)
	}
	_, err = s.conn.ExecContext(ctx, "UPDATE temp._temp_lobs SET data = $1 WHERE id = $2", updated, loc.ID)
	return serverError(err)
}

func spliceRunes(current []rune, at int, data []rune) string {
	for len(current) < at {
		current = append(current, ' ')
	}
	end := at + len(data)
	if end > len(current) {
		current = append(current, make([]rune, end-len(current))...)
	}
	copy(current[at:], data)
	return string(current)
}

func spliceBytes(current []byte, at int, data []byte) []byte {
	end := at + len(data)
	if end > len(current) {
		current = append(current, make([]byte, end-len(current))...)
	}
	copy(current[at:], data)
	return current
}

// TrimLob shortens content to newSize units.
func (s *Session) TrimLob(ctx context.Context, loc types.LobLocator, newSize int64) error {
	if loc.IsFile() {
		return &types.ServerError{Code: 22286, Message: "insufficient privileges on file"}
	}
	size, err := s.LobSize(ctx, loc)
	if err != nil {
		return err
	}
	if newSize < 0 || newSize > size {
		return &types.ServerError{Code: 22926, Message: "specified trim length is greater than current LOB value's length"}
	}
	_, err = s.conn.ExecContext(ctx,
		"UPDATE temp._temp_lobs SET data = substr(data, 1, $1) WHERE id = $2", newSize, loc.ID)
	return serverError(err)
}

// FileExists reports whether the file a locator names exists. The
// directory itself must be registered.
func (s *Session) FileExists(ctx context.Context, loc types.LobLocator) (bool, error) {
	_, err := s.statFile(loc)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if se, ok := err.(*types.ServerError); ok && se.Code == 22288 {
		return false, nil
	}
	return err == nil, err
}

func (s *Session) filePath(loc types.LobLocator) (string, error) {
	dir, ok := s.host.directory(loc.Dir)
	if !ok {
		return "", &types.ServerError{Code: 22285, Message: "non-existent directory " + loc.Dir}
	}
	if !filepath.IsLocal(loc.File) || strings.ContainsRune(loc.File, '/') {
		return "", &types.ServerError{Code: 22284, Message: "invalid file name " + loc.File}
	}
	return filepath.Join(dir, loc.File), nil
}

func (s *Session) statFile(loc types.LobLocator) (os.FileInfo, error) {
	path, err := s.filePath(loc)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &types.ServerError{Code: 22288, Message: "file " + loc.File + " does not exist"}
	}
	return info, err
}

func (s *Session) readFile(loc types.LobLocator, offset, amount int64) ([]byte, error) {
	path, err := s.filePath(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &types.ServerError{Code: 22288, Message: "file " + loc.File + " does not exist"}
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, io.NewSectionReader(f, offset-1, amount))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
