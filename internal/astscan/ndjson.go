package astscan

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/ysmood/gson"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
)

// DecodeNDJSON reads one record per line in the jsluice "urls" output
// shape. Records without an origin or referer take the ones given. Blank
// and malformed lines are skipped.
func DecodeNDJSON(r io.Reader, origin, referer string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out []Record
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		rec, ok := aggregate.DecodeCodeURL(gson.New([]byte(line)))
		if !ok {
			continue
		}
		if rec.Origin == "" {
			rec.Origin = origin
		}
		if rec.Referer == "" {
			rec.Referer = referer
		}
		out = append(out, withURLQuery(rec))
	}
	return out, scanner.Err()
}

// DecodeNDJSONFile is DecodeNDJSON for a file.
func DecodeNDJSONFile(path, origin, referer string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeNDJSON(f, origin, referer)
}
