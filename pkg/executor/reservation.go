package executor

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultReservationMB is the swap size used when Options leaves it unset.
const DefaultReservationMB = 1024

// ErrReservationUnsupported is returned for reservation requests on targets
// whose shell cannot run the POSIX wrapper.
var ErrReservationUnsupported = errors.New("resource reservation requires a linux target")

// Markers the wrapper writes to stderr. They are stripped before the result
// is surfaced.
const (
	cleanupFailedMarker = "__SERVO_RESERVATION_CLEANUP_FAILED__"
	setupFailedMarker   = "__SERVO_RESERVATION_SETUP_FAILED__"
)

// reservationPath is per remote shell; $$ keeps concurrent invocations on
// one host apart.
const reservationPath = "/var/tmp/servo-reserve-$$.swap"

// WrapReservation returns a POSIX sh script that allocates a swap file, runs
// command, and releases the swap on every exit path (normal exit, failure,
// INT/TERM, or HUP from a dropped connection). The script exits with the
// command's status. A failed allocation is reported and the command still
// runs.
func WrapReservation(command string, sizeMB int) string {
	if sizeMB <= 0 {
		sizeMB = DefaultReservationMB
	}
	var b strings.Builder
	fmt.Fprintf(&b, "servo_swap=\"%s\"\n", reservationPath)
	b.WriteString("servo_cleanup() {\n")
	b.WriteString("\tservo_rc=$?\n")
	b.WriteString("\ttrap - EXIT INT TERM HUP\n")
	b.WriteString("\tif [ -e \"$servo_swap\" ]; then\n")
	b.WriteString("\t\tswapoff \"$servo_swap\" 2>/dev/null\n")
	b.WriteString("\t\trm -f \"$servo_swap\" 2>/dev/null\n")
	fmt.Fprintf(&b, "\t\t[ -e \"$servo_swap\" ] && echo %s >&2\n", cleanupFailedMarker)
	b.WriteString("\tfi\n")
	b.WriteString("\texit $servo_rc\n")
	b.WriteString("}\n")
	b.WriteString("trap servo_cleanup EXIT INT TERM HUP\n")
	fmt.Fprintf(&b, "{ fallocate -l %dM \"$servo_swap\" 2>/dev/null || dd if=/dev/zero of=\"$servo_swap\" bs=1M count=%d status=none 2>/dev/null; } &&\n", sizeMB, sizeMB)
	b.WriteString("\tchmod 600 \"$servo_swap\" && mkswap \"$servo_swap\" >/dev/null 2>&1 && swapon \"$servo_swap\" 2>/dev/null ||\n")
	fmt.Fprintf(&b, "\techo %s >&2\n", setupFailedMarker)
	b.WriteString("{\n")
	b.WriteString(command)
	b.WriteString("\n}\n")
	return b.String()
}

// stripMarkers removes the wrapper's marker lines from stderr and reports
// which ones were present.
func stripMarkers(stderr string) (clean string, setupFailed, cleanupFailed bool) {
	if !strings.Contains(stderr, "__SERVO_RESERVATION_") {
		return stderr, false, false
	}
	lines := strings.SplitAfter(stderr, "\n")
	kept := lines[:0]
	for _, l := range lines {
		switch strings.TrimSpace(l) {
		case cleanupFailedMarker:
			cleanupFailed = true
		case setupFailedMarker:
			setupFailed = true
		default:
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, ""), setupFailed, cleanupFailed
}
