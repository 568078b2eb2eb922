package seen

import (
	"fmt"
	"strconv"
	"strings"
)

// Payload wire format in the seen hash: "<seenID>:<version>:<atMS>".

func encodeSeen(seenID, version, atMS int64) string {
	return fmt.Sprintf("%d:%d:%d", seenID, version, atMS)
}

func decodeSeen(s string) (seenID, version, atMS int64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("bad seen payload %q", s)
	}
	if seenID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, 0, err
	}
	if version, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, err
	}
	if atMS, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return 0, 0, 0, err
	}
	return seenID, version, atMS, nil
}
