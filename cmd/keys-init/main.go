package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mirovik/dogebot/pkg/secretstore"
)

// keys-init 把 EXMO API 凭证从环境变量写入 badger 凭证库。
// 机器人运行时只读该库，不从 .env/YAML 读密钥。
func main() {
	var (
		envPath   = flag.String("env", ".env", ".env 文件路径（可选）")
		dbPath    = flag.String("secrets", getenv("DOGEBOT_SECRETS_PATH", "data/secrets"), "badger 凭证库目录")
		secretKey = flag.String("secret-key", getenv("DOGEBOT_SECRET_KEY", ""), "凭证库加密钥（32 字节，hex 或原文；空则不加密）")
	)
	flag.Parse()

	_ = godotenv.Load(*envPath)

	apiKey := strings.TrimSpace(os.Getenv("EXMO_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("EXMO_API_SECRET"))
	if apiKey == "" || apiSecret == "" {
		fatal(fmt.Errorf("EXMO_API_KEY / EXMO_API_SECRET 未设置"))
	}

	keyBytes, err := parseSecretKey(*secretKey)
	if err != nil {
		fatal(err)
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      false,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.SetCredentials(secretstore.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}); err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stderr, "已写入 EXMO 凭证到 %s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseSecretKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return b, nil
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("secret key 必须是 32 字节（hex 或原文）")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
