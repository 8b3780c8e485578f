package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

// JoinKey joins key segments with "/", dropping empty segments and stray
// slashes.
func JoinKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return path.Join(clean...)
}

// PrefixExists reports whether at least one object exists under prefix.
// A trailing "/" is added so "a/b" does not match "a/bc".
func PrefixExists(ctx context.Context, p Provider, prefix string) (bool, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	res, err := p.List(ctx, ListOptions{Prefix: prefix, MaxKeys: 1})
	if err != nil {
		return false, err
	}
	return len(res.Objects) > 0, nil
}

// Exists reports whether key exists.
func Exists(ctx context.Context, p Provider, key string) (bool, error) {
	_, err := p.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// UploadFile copies a local file to key.
func UploadFile(ctx context.Context, p Provider, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}
	return p.PutObject(ctx, key, f, st.Size())
}

// PutBytes writes data to key.
func PutBytes(ctx context.Context, p Provider, key string, data []byte) error {
	return p.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted.
func DeletePrefix(ctx context.Context, p Provider, prefix string) (int, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	deleted := 0
	token := ""
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return deleted, err
		}
		for _, obj := range res.Objects {
			if err := p.DeleteObject(ctx, obj.Key); err != nil {
				return deleted, err
			}
			deleted++
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return deleted, nil
		}
		token = res.ContinuationToken
	}
}
