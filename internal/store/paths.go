package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectPath names an upload uniquely under the owner's folder, keeping the extension
func ObjectPath(ownerID, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return fmt.Sprintf("%s/%s_%d%s", ownerID, uuid.New().String(), time.Now().Unix(), ext)
}
