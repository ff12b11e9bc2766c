package gateway

import "hash/fnv"

var presencePalette = []string{
	"#E57373", "#F06292", "#BA68C8", "#9575CD",
	"#7986CB", "#64B5F6", "#4DB6AC", "#81C784",
	"#DCE775", "#FFD54F", "#FFB74D", "#A1887F",
}

// presenceColor derives a stable color for a user so every client draws them the same way.
func presenceColor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return presencePalette[hasher.Sum32()%uint32(len(presencePalette))]
}
