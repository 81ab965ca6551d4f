package common

import (
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/crypto/bcrypt"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	rand.Seed(time.Now().UnixNano())
	var err error
	snowflakeNode, err = snowflake.NewNode(int64(rand.Intn(1023)))
	if err != nil {
		panic(err)
	}
}

// UUIDint64 returns a snowflake id suitable for database primary keys.
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// UUID returns a snowflake id in its base58 string form.
func UUID() string {
	return snowflakeNode.Generate().Base58()
}

// GetSecretSalt reads the secret salt from the environment, falling back to
// a fixed development value.
func GetSecretSalt() string {
	if v := os.Getenv("TOUGHGATE_SECRET_SALT"); v != "" {
		return v
	}
	return "toughgate-secret"
}

// Sha256HashWithSalt hashes src with the given salt.
func Sha256HashWithSalt(src string, salt string) string {
	h := sha256.New()
	h.Write([]byte(src + salt))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateToken returns a random bearer token string.
func GenerateToken() string {
	buf := make([]byte, 16)
	_, _ = crand.Read(buf)
	return fmt.Sprintf("tg_%s", hex.EncodeToString(buf))
}

// IsEmptyOrNA reports whether the value carries no useful content.
func IsEmptyOrNA(v string) bool {
	return v == "" || v == "N/A"
}

// HashPassword hashes an operator password with bcrypt.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword verifies a bcrypt operator password hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
