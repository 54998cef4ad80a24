package dem

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadOffsets parses the georeferencing offsets from a coords file. The
// second line carries the x and y offsets as its first two whitespace
// separated fields.
func ReadOffsets(path string) (int, int, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "could not find coords file at %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, errors.Errorf("coords file %s is empty", path)
	}
	if !scanner.Scan() {
		return 0, 0, errors.Errorf("coords file %s has no offsets line", path)
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 2 {
		return 0, 0, errors.Errorf("coords file %s offsets line is malformed", path)
	}

	x, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad x offset %q", fields[0])
	}
	y, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad y offset %q", fields[1])
	}
	return x, y, nil
}
