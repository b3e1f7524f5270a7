package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// GenerateDeviceID derives an anonymous device identifier from the request
// origin, IP and user agent, keyed with the daily salt. The same visitor gets
// a new id whenever the salt rotates.
func GenerateDeviceID(salt, origin, ip, ua string) string {
	key := []byte(salt)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	h, err := blake2b.New(16, key)
	if err != nil {
		// only reachable with an oversized key, which is handled above
		return ""
	}
	h.Write([]byte(origin))
	h.Write([]byte{0})
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(ua))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateLegacyDeviceID is the unkeyed variant used before keyed hashing
// was introduced. Sessions opened with it are still bridged until they expire.
func GenerateLegacyDeviceID(salt, origin, ip, ua string) string {
	sum := blake2b.Sum256([]byte(ua + ip + origin + salt))
	return hex.EncodeToString(sum[:16])
}
