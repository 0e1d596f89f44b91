package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bluechat/models"
)

// SaveFilePayload writes data under the peer's folder and records it. An
// existing file with the same name is kept and the new one gets a numbered name.
func (s *Store) SaveFilePayload(peerAddress, fileName string, data []byte) (models.StoredFile, error) {
	if peerAddress == "" {
		return models.StoredFile{}, errors.New("peer_address is required")
	}
	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return models.StoredFile{}, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}

	dir := filepath.Join(s.filesDir, peerDirName(peerAddress))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return models.StoredFile{}, fmt.Errorf("create peer files directory: %w", err)
	}

	path, err := writeUnique(dir, name, data)
	if err != nil {
		return models.StoredFile{}, err
	}

	file := models.StoredFile{
		PeerAddress: peerAddress,
		FileName:    filepath.Base(path),
		StoredPath:  path,
		SizeBytes:   int64(len(data)),
		StoredAt:    nowUnixMilli(),
	}

	_, err = s.db.Exec(
		`INSERT INTO files (
			peer_address,
			file_name,
			stored_path,
			size_bytes,
			stored_at
		) VALUES (?, ?, ?, ?, ?)`,
		file.PeerAddress,
		file.FileName,
		file.StoredPath,
		file.SizeBytes,
		file.StoredAt,
	)
	if err != nil {
		_ = os.Remove(path)
		return models.StoredFile{}, fmt.Errorf("insert file record %q: %w", file.FileName, err)
	}

	return file, nil
}

// ListFiles returns files stored for peerAddress, newest first.
func (s *Store) ListFiles(peerAddress string) ([]models.StoredFile, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_address,
			file_name,
			stored_path,
			size_bytes,
			stored_at
		FROM files
		WHERE peer_address = ?
		ORDER BY stored_at DESC, id DESC`,
		peerAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("list files for %q: %w", peerAddress, err)
	}
	defer rows.Close()

	files := make([]models.StoredFile, 0)
	for rows.Next() {
		var file models.StoredFile
		if err := rows.Scan(
			&file.PeerAddress,
			&file.FileName,
			&file.StoredPath,
			&file.SizeBytes,
			&file.StoredAt,
		); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}

	return files, nil
}

func writeUnique(dir, name string, data []byte) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = stem + " (" + strconv.Itoa(i) + ")" + ext
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create file %q: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("write file %q: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("close file %q: %w", candidate, err)
		}
		return path, nil
	}
}
