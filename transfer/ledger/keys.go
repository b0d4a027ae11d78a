package ledger

import (
	"fmt"
	"net/url"
)

// Chunk keys are zero-padded so lexicographic listing order matches index
// order. File names are escaped to keep the key hierarchy unambiguous.

func chunkKey(sessionID, fileName string, chunkIndex int) string {
	return fmt.Sprintf("%s%06d", chunkPrefix(sessionID, fileName), chunkIndex)
}

func chunkPrefix(sessionID, fileName string) string {
	return fmt.Sprintf("%s%s/", sessionChunkPrefix(sessionID), url.PathEscape(fileName))
}

func sessionChunkPrefix(sessionID string) string {
	return fmt.Sprintf("chunk/%s/", sessionID)
}

func countKey(sessionID, fileName string) string {
	return fmt.Sprintf("%s%s", sessionCountPrefix(sessionID), url.PathEscape(fileName))
}

func sessionCountPrefix(sessionID string) string {
	return fmt.Sprintf("count/%s/", sessionID)
}
