// Package instanceid assigns a stable UUID to this process for a given
// (clientId, env) pair, persisted via PID lock files under the system
// temp directory so that a hot reload landing on the same PID reuses
// its slot instead of minting a new identity.
package instanceid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/apitally/apitally-go/internal/agentlog"
)

const (
	maxSlots   = 100
	maxUUIDAge = 24 * time.Hour
)

var logger = agentlog.Component("instanceid")

// baseDir returns the directory instance lock files live under,
// creating it if necessary.
func baseDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "apitally")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// hashKey derives the 8-hex-char slot-file prefix for a (clientId,env)
// pair from the first 4 bytes of SHA-256("<clientId>:<env>").
func hashKey(clientID, env string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + env))
	return hex.EncodeToString(sum[:4])
}

func pidPath(dir, hash string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("instance_%s_%d.pid", hash, slot))
}

func uuidPath(dir, hash string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("instance_%s_%d.uuid", hash, slot))
}

// Resolve returns the stable instance UUID for (clientID, env), persisting
// and reusing a PID-lock-file slot under the system temp directory. If
// any filesystem step fails outright, it falls back to a fresh random
// UUID rather than failing construction -- instance identity is a
// nicety, not a correctness requirement.
func Resolve(clientID, env string) string {
	dir, err := baseDir()
	if err != nil {
		logger.Warnw("instance identity directory unavailable, using ephemeral uuid", "error", err)
		return uuid.NewString()
	}

	hash := hashKey(clientID, env)
	sweep(dir, hash)

	pid := os.Getpid()
	for slot := 0; slot < maxSlots; slot++ {
		id, ok := tryClaimSlot(dir, hash, slot, pid)
		if ok {
			return id
		}
	}

	logger.Warnw("all instance identity slots in use, using ephemeral uuid", "slots", maxSlots)
	return uuid.NewString()
}

// tryClaimSlot attempts to exclusively create slot's pid file. On
// success it returns (and, if necessary, creates) the matching uuid
// file. On a pre-existing pid file it reuses the slot only if the pid
// recorded there is this process's own (the hot-reload case).
func tryClaimSlot(dir, hash string, slot, pid int) (string, bool) {
	pp := pidPath(dir, hash, slot)
	f, err := os.OpenFile(pp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return "", false
		}
		existing, readErr := os.ReadFile(pp)
		if readErr != nil {
			return "", false
		}
		existingPID, parseErr := strconv.Atoi(strings.TrimSpace(string(existing)))
		if parseErr != nil || existingPID != pid {
			return "", false
		}
		return ensureUUIDFile(dir, hash, slot), true
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		return "", false
	}
	return ensureUUIDFile(dir, hash, slot), true
}

// ensureUUIDFile returns the slot's persisted UUID, reusing a valid
// existing one or minting and persisting a fresh one.
func ensureUUIDFile(dir, hash string, slot int) string {
	up := uuidPath(dir, hash, slot)
	if data, err := os.ReadFile(up); err == nil {
		if id, parseErr := uuid.Parse(strings.TrimSpace(string(data))); parseErr == nil {
			return id.String()
		}
	}

	id := uuid.NewString()
	_ = os.WriteFile(up, []byte(id), 0o644)
	return id
}

// sweep removes stale lock files for hash before slot assignment:
// uuid files older than 24h or holding an invalid/duplicate value, and
// pid files whose process is no longer alive.
func sweep(dir, hash string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := "instance_" + hash + "_"
	type slotFiles struct {
		pid, uuidFile string
	}
	slots := make(map[int]*slotFiles)

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		var slot int
		var ext string
		if idx := strings.LastIndexByte(rest, '.'); idx >= 0 {
			slot, err = strconv.Atoi(rest[:idx])
			if err != nil {
				continue
			}
			ext = rest[idx+1:]
		} else {
			continue
		}
		sf := slots[slot]
		if sf == nil {
			sf = &slotFiles{}
			slots[slot] = sf
		}
		switch ext {
		case "pid":
			sf.pid = filepath.Join(dir, name)
		case "uuid":
			sf.uuidFile = filepath.Join(dir, name)
		}
	}

	seenUUIDs := make(map[string]int)
	orderedSlots := make([]int, 0, len(slots))
	for slot := range slots {
		orderedSlots = append(orderedSlots, slot)
	}
	sort.Ints(orderedSlots)

	for _, slot := range orderedSlots {
		sf := slots[slot]

		if sf.uuidFile != "" {
			info, statErr := os.Stat(sf.uuidFile)
			stale := statErr != nil || time.Since(info.ModTime()) > maxUUIDAge
			var id string
			if !stale {
				data, readErr := os.ReadFile(sf.uuidFile)
				if readErr != nil {
					stale = true
				} else if parsed, parseErr := uuid.Parse(strings.TrimSpace(string(data))); parseErr != nil {
					stale = true
				} else {
					id = parsed.String()
				}
			}
			if !stale {
				if first, dup := seenUUIDs[id]; dup && first < slot {
					stale = true
				} else {
					seenUUIDs[id] = slot
				}
			}
			if stale {
				_ = os.Remove(sf.uuidFile)
				if sf.pid != "" {
					_ = os.Remove(sf.pid)
				}
				continue
			}
		}

		if sf.pid != "" {
			data, readErr := os.ReadFile(sf.pid)
			if readErr != nil {
				continue
			}
			pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
			if parseErr != nil || !processAlive(pid) {
				_ = os.Remove(sf.pid)
			}
		}
	}
}

// processAlive reports whether pid names a live process, probed via a
// zero-signal send.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
