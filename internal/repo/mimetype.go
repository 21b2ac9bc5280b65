package repo

import (
	"path/filepath"
	"strings"
)

// MimetypeMap guesses mimetypes from file extensions. Unknown extensions and
// extension-less hints resolve to the binary sentinel.
type MimetypeMap struct {
	byExtension map[string]string
}

// NewMimetypeMap returns a map seeded with the common document, image and
// mail formats the repository handles.
func NewMimetypeMap() *MimetypeMap {
	return &MimetypeMap{byExtension: map[string]string{
		".txt":  MimetypeTextPlain,
		".text": MimetypeTextPlain,
		".log":  MimetypeTextPlain,
		".md":   "text/markdown",
		".csv":  "text/csv",
		".html": MimetypeHTML,
		".htm":  MimetypeHTML,
		".xml":  "text/xml",
		".json": "application/json",
		".pdf":  MimetypePDF,
		".doc":  "application/msword",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".xls":  "application/vnd.ms-excel",
		".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		".ppt":  "application/vnd.ms-powerpoint",
		".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".gif":  "image/gif",
		".svg":  "image/svg+xml",
		".tif":  "image/tiff",
		".tiff": "image/tiff",
		".zip":  "application/zip",
		".gz":   "application/gzip",
		".eml":  MimetypeRFC822,
		".mht":  MimetypeRFC822,
		".ics":  "text/calendar",
		".vcf":  "text/x-vcard",
	}}
}

// Register adds or replaces an extension mapping. The extension is
// normalized to a leading dot and lower case.
func (m *MimetypeMap) Register(ext, mimetype string) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	m.byExtension[ext] = mimetype
}

// Guess maps a file name (or any bare hint, such as a message subject) to a
// mimetype. Anything without a recognized extension yields MimetypeBinary.
func (m *MimetypeMap) Guess(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return MimetypeBinary
	}
	if mt, ok := m.byExtension[ext]; ok {
		return mt
	}
	return MimetypeBinary
}
