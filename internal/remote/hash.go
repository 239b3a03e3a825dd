package remote

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// BlobSum returns the git object id of content stored as a blob. It matches the
// sha the host reports for the same bytes, so local and remote content can be
// compared without a fetch.
func BlobSum(content []byte) BlobRef {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return BlobRef(hex.EncodeToString(h.Sum(nil)))
}
