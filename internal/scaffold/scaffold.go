package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// SourceType selects the notification source of the scaffolded watch.
type SourceType string

const (
	TypeFTP   SourceType = "ftp"
	TypeSQS   SourceType = "sqs"
	TypeKafka SourceType = "kafka"
)

// ValidType reports whether s is a supported source type.
func ValidType(s string) bool {
	switch SourceType(s) {
	case TypeFTP, TypeSQS, TypeKafka:
		return true
	}
	return false
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ConfigFile and SecretsFile are the names written by Create.
const (
	ConfigFile  = "blobload.toml"
	SecretsFile = "secrets.toml"
)

// Create writes a starter blobload.toml with one watch named name, and a
// secrets.toml holding placeholders for the credentials it references.
func Create(dir, name string, source SourceType) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid watch name %q: must match [a-z][a-z0-9_]*", name)
	}
	if !ValidType(string(source)) {
		return fmt.Errorf("invalid source type %q: must be ftp, sqs or kafka", source)
	}

	configPath := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(configPath, []byte(configToml(name, source)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	secretsPath := filepath.Join(dir, SecretsFile)
	if _, err := os.Stat(secretsPath); err == nil {
		return nil
	}
	if err := os.WriteFile(secretsPath, []byte(secretsToml(name, source)), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", secretsPath, err)
	}
	return nil
}

func configToml(name string, source SourceType) string {
	header := `[logging]
level = "info"
format = "logfmt"

[secrets]
file = "secrets.toml"

[database]
connection = "sql_conn"
procedure = "dbo.BulkLoadFromAzure"
parameter = "sourceFileName"
command_timeout = "180s"

[handler]
suffix = ".csv"
on_failure = "absorb"
max_concurrent = 4
`
	var watch string
	switch source {
	case TypeFTP:
		watch = fmt.Sprintf(`
[[watch]]
name = "%s"

[watch.ftp]
secret = "%s_ftp"
directory = "/outbound"
pattern = "*.csv"
archive_dir = "/outbound/archive"
poll_interval = "30s"
stable_seconds = 30
`, name, name)
	case TypeSQS:
		watch = fmt.Sprintf(`
[[watch]]
name = "%s"

[watch.sqs]
queue_url = "https://sqs.us-east-1.amazonaws.com/000000000000/%s-uploads"
region = "us-east-1"
bucket = "%s"
prefix = "incoming/"
archive_prefix = "processed/"
`, name, name, name)
	case TypeKafka:
		watch = fmt.Sprintf(`
[[watch]]
name = "%s"

[watch.kafka]
brokers = ["localhost:9092"]
topic = "bucket-events"
bucket = "%s"
prefix = "incoming/"
`, name, name)
	}
	return header + watch
}

func secretsToml(name string, source SourceType) string {
	s := `[global]
sql_conn = "Server=tcp:example.database.windows.net,1433;Database=staging;User ID=loader;Password=change-me"
`
	if source == TypeFTP {
		s += fmt.Sprintf(`
[global.%s_ftp]
host = "ftp.example.com"
user = "loader"
password = "change-me"
`, name)
	}
	return s
}
