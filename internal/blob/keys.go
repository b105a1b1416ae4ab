// SPDX-License-Identifier: MIT

package blob

import "fmt"

// Roles within a file's key hierarchy.
const (
	RoleOriginal  = "original"
	RoleThumbnail = "thumbnail"
	RoleWaveform  = "waveform"
	RoleDerived   = "derived"
)

// Key builds the hierarchical object key {owner}/{file_uuid}/{role}.
// Keys are owned by the file; there is no cross-file sharing.
func Key(ownerID int64, fileUUID, role string) string {
	return fmt.Sprintf("%d/%s/%s", ownerID, fileUUID, role)
}

// DerivedKey builds a key under the file's derived/ namespace.
func DerivedKey(ownerID int64, fileUUID, name string) string {
	return fmt.Sprintf("%d/%s/%s/%s", ownerID, fileUUID, RoleDerived, name)
}
