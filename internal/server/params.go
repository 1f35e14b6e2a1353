package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// pathID reads a snowflake path parameter. Zero and malformed values are
// rejected with invalid.
func pathID(c *gin.Context, name string, invalid error) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || parsed == 0 {
		return 0, invalid
	}
	return parsed, nil
}
