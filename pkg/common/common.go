package common

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	rand.New(rand.NewSource(time.Now().UnixNano()))
	node, err := snowflake.NewNode(rand.Int63n(1023))
	if err != nil {
		panic(err)
	}
	snowflakeNode = node
}

// UUIDint64 returns a new snowflake id.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// Sha256HashWithSalt hashes src with the given salt appended.
func Sha256HashWithSalt(src string, salt string) string {
	h := sha256.New()
	h.Write([]byte(src + salt))
	return hex.EncodeToString(h.Sum(nil))
}

// GetSecretSalt reads the secret salt from the environment, falling back
// to a fixed development value.
func GetSecretSalt() string {
	if v := os.Getenv("CRMBRIDGE_SECRET_SALT"); v != "" {
		return v
	}
	return "crmbridge"
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
