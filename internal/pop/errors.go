// Package pop builds the 1-based POP3 message-list view over a spool
// directory, independent of any particular wire protocol command set.
package pop

import "errors"

// CannotDelete is returned from Commit when at least one attempted envelope
// removal failed, matching GPop::StoreList::commit's all_ok bookkeeping.
var CannotDelete = errors.New("pop: one or more messages could not be deleted")

// CannotRead is returned from Content when the underlying content file
// cannot be opened, distinguishing a storage failure from an invalid id.
var CannotRead = errors.New("pop: cannot read message content")
