// Package props keeps the game server's server.properties in step with the
// RCON settings the daemon uses.
package props

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/Angulorecto/LiveUpdater/internal/validate"
)

// Keys written by Sync.
const (
	KeyEnableRcon     = "enable-rcon"
	KeyRconPort       = "rcon.port"
	KeyRconPassword   = "rcon.password"
	KeyBroadcastToOps = "broadcast-rcon-to-ops"
)

// Settings are the values Sync enforces.
type Settings struct {
	RconPort     int
	RconPassword string
	// QuietBroadcast sets broadcast-rcon-to-ops=false so reloads do not
	// spam operators in chat.
	QuietBroadcast bool
}

// ini.PrettyFormat is package global; serialize the writers that flip it.
var formatMu sync.Mutex

// Sync rewrites the properties file at path so RCON is enabled with s.
// Other keys and comments are preserved. A missing file is created.
func Sync(path string, s Settings) (changed bool, err error) {
	if s.RconPort <= 0 || s.RconPort > 65535 {
		return false, fmt.Errorf("invalid rcon port %d", s.RconPort)
	}
	if s.RconPassword == "" {
		return false, errors.New("rcon password is required")
	}
	if err := validate.PropertyValue(s.RconPassword); err != nil {
		return false, fmt.Errorf("rcon password: %w", err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                    true,
		KeyValueDelimiters:       "=",
		KeyValueDelimiterOnWrite: "=",
		IgnoreInlineComment:      true,
		PreserveSurroundedQuote:  true,
		AllowBooleanKeys:         true,
	}, path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	want := map[string]string{
		KeyEnableRcon:   "true",
		KeyRconPort:     strconv.Itoa(s.RconPort),
		KeyRconPassword: s.RconPassword,
	}
	if s.QuietBroadcast {
		want[KeyBroadcastToOps] = "false"
	}
	sec := f.Section(ini.DefaultSection)
	for _, k := range []string{KeyEnableRcon, KeyRconPort, KeyRconPassword, KeyBroadcastToOps} {
		v, ok := want[k]
		if !ok {
			continue
		}
		if sec.HasKey(k) && sec.Key(k).String() == v {
			continue
		}
		sec.Key(k).SetValue(v)
		changed = true
	}
	if !changed {
		return false, nil
	}

	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}

	formatMu.Lock()
	prev := ini.PrettyFormat
	ini.PrettyFormat = false
	err = f.SaveTo(path)
	ini.PrettyFormat = prev
	formatMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return true, err
	}
	return true, nil
}
