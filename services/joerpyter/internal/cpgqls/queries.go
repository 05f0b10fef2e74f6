package cpgqls

import (
	"fmt"
	"strconv"
	"strings"
)

// ImportCodeQuery builds the query that creates a code property graph for path
func ImportCodeQuery(path, projectName, language string) string {
	args := []string{"inputPath=" + strconv.Quote(path)}
	if projectName != "" {
		args = append(args, "projectName="+strconv.Quote(projectName))
	}
	if language != "" {
		return fmt.Sprintf("importCode.%s(%s)", language, strings.Join(args, ", "))
	}
	return fmt.Sprintf("importCode(%s)", strings.Join(args, ", "))
}

// WorkspaceQuery lists the projects loaded in the server's workspace
func WorkspaceQuery() string {
	return "workspace"
}
