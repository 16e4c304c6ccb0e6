package ingest

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rulewise/rulewise/internal/chunker"
)

// chunkNamespace seeds deterministic chunk identifiers, so re-ingesting a
// document overwrites its previous points instead of duplicating them.
var chunkNamespace = uuid.MustParse("b6bafc92-6a04-4d51-9b54-5a2c4f4f6f10")

func chunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", documentID, index))).String()
}

// extractText turns uploaded bytes into normalized plain text. Rulebooks
// arrive as UTF-8 text exports; binary uploads are rejected outright.
func extractText(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("content is not valid UTF-8 text")
	}
	text := chunker.Normalize(string(raw))
	if text == "" {
		return "", errors.New("no extractable text")
	}
	return text, nil
}
