package provider

import (
	"os"
)

// DefaultFileMode is applied to written files whose metadata carries no
// permission bits.
const DefaultFileMode os.FileMode = 0o644

// ModeInfo is a FileInfo that also knows its permission bits. Local files
// implement it, and so do S3 objects uploaded with mode metadata.
type ModeInfo interface {
	FileInfo
	Mode() os.FileMode
}

// WrapOSFileInfo converts an os.FileInfo into a provider FileInfo keeping
// its permission bits.
func WrapOSFileInfo(info os.FileInfo) ModeInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
		mode:    info.Mode().Perm(),
	}
}

// ModeOf returns the permission bits to give a file written from info.
func ModeOf(info FileInfo) os.FileMode {
	if mi, ok := info.(ModeInfo); ok && mi.Mode().Perm() != 0 {
		return mi.Mode().Perm()
	}
	return DefaultFileMode
}
