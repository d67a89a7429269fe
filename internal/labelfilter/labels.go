package labelfilter

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// labelNames maps segmentation label ids to the organ names the imaging
// pipeline emits. Ids outside the map are rendered numerically.
var labelNames = map[int64]string{
	0:  "background",
	1:  "spleen",
	2:  "right kidney",
	3:  "left kidney",
	4:  "gallbladder",
	5:  "esophagus",
	6:  "liver",
	7:  "stomach",
	8:  "aorta",
	9:  "inferior vena cava",
	10: "portal and splenic veins",
	11: "pancreas",
	12: "right adrenal gland",
	13: "left adrenal gland",
	14: "duodenum",
}

// LabelInfo is one label present in a volume.
type LabelInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LabelName resolves a label id to its anatomical name, falling back to
// the numeric form for unknown ids.
func LabelName(id int64) string {
	if name, ok := labelNames[id]; ok {
		return name
	}
	return strconv.FormatInt(id, 10)
}

// ParseLabelIDs parses the comma-separated label list used in query
// strings, e.g. "1,3".
func ParseLabelIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty label list")
	}

	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid label id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func memoKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
}

// Labels lists the distinct non-zero labels present in the volume at path,
// named where the id is known. Results are memoized by path, size, and
// mtime, so repeated listings of an unchanged volume skip the voxel scan.
func (f *Filter) Labels(path string) ([]LabelInfo, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrProcessing, path, err)
	}
	key := memoKey(path, info)

	if cached, ok := f.labels.Get(key); ok {
		// Return a copy to prevent mutation of the cached slice.
		out := make([]LabelInfo, len(cached))
		copy(out, cached)
		return out, nil
	}

	vol, _, err := f.load(path)
	if err != nil {
		return nil, err
	}

	infos := make([]LabelInfo, 0)
	for _, id := range vol.UniqueLabels() {
		if id == 0 {
			continue // background
		}
		infos = append(infos, LabelInfo{ID: id, Name: LabelName(id)})
	}
	f.labels.Add(key, infos)
	return infos, nil
}
