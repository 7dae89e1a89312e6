package auth

// DefaultBodyLimit caps request bodies for identities holding no special
// permission.
const DefaultBodyLimit int64 = 1 << 20 // 1 MiB

// sizeOverrides raises the body cap for identities whose permissions match
// the named operation class. Overrides combine by maximum and never lower
// the default.
var sizeOverrides = []struct {
	permission string
	limit      int64
}{
	{"config/modify", 512 << 20},
}

// MaxBodyBytes computes the effective request-body cap for id: the largest
// override whose operation class matches any permission the identity holds,
// floored at DefaultBodyLimit. A nil identity gets the default.
func MaxBodyBytes(id *Identity) int64 {
	maxSize := DefaultBodyLimit
	if id == nil {
		return maxSize
	}
	for _, held := range id.Permissions {
		for _, override := range sizeOverrides {
			if override.limit <= maxSize {
				continue
			}
			if MatchPattern(held, override.permission) {
				maxSize = override.limit
			}
		}
	}
	return maxSize
}
