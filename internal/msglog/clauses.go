package msglog

import "gorm.io/gorm/clause"

// onConflictDoNothing makes Create idempotent on the primary key, used where
// the router's own at-most-once dedup means a duplicate insert is an
// expected replay rather than an error.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}
