package connector

import (
	"bufio"
	"fmt"
	"github.com/stowage-io/stowage/pkg/wire"
	"io"
	"log"
	"regexp"
	"strings"
)

// TokenEntry authorizes one path prefix with a shared secret.
type TokenEntry struct {
	Prefix string
	Token  string
}

// TokenTable holds the connector's authorized path prefixes. The first entry
// whose prefix matches a requested path wins, so operators should keep
// prefixes disjoint; within a file, line order controls precedence.
type TokenTable []TokenEntry

var tokenLine = regexp.MustCompile(`^([^ ]+) +(.*)$`)

// ParseTokens reads "prefix token" lines, one per line. Blank lines are
// skipped; lines that do not parse are skipped with a warning rather than
// rejecting the whole table.
func ParseTokens(source io.Reader, logger *log.Logger) (TokenTable, error) {
	var table TokenTable
	scanner := bufio.NewScanner(source)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		match := tokenLine.FindStringSubmatch(line)
		if match == nil {
			if logger != nil {
				logger.Printf("failed to parse path/token line %q", line)
			}
			continue
		}
		table = append(table, TokenEntry{Prefix: match[1], Token: strings.TrimSpace(match[2])})
	}
	return table, scanner.Err()
}

// Authorize checks a requested path and token against the table. The
// returned errors carry wire-contract message text.
func (t TokenTable) Authorize(path, token string) error {
	for _, entry := range t {
		if strings.HasPrefix(path, entry.Prefix) {
			if entry.Token != token {
				return &failure{fmt.Sprintf("%s for %s", wire.PrefixInvalidToken, path)}
			}
			return nil
		}
	}
	return &failure{fmt.Sprintf("File %s is not in a known path.", path)}
}
