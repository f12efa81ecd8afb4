package writer

import (
	"time"

	"github.com/chunkfs/chunkfs/internal/protocol"
)

const leaseInterval = protocol.LeaseIntervalSecs * time.Second

// accessRefreshWindow is how far an expiry is rolled forward once a refresh
// request is in flight, so the same refresh is not requested on every op.
const accessRefreshWindow = leaseInterval * 3 / 2

// KeySetter is the slice of the chunk client the credentials need to install
// refreshed chunk server access keys.
type KeySetter interface {
	SetKey(id, key []byte)
}

// LeaseCredentials holds the chunk access token and the chunk server access
// expiry state for one chunk worker, with clock-skew-aware expiry
// arithmetic.
type LeaseCredentials struct {
	chunkAccess       []byte
	hasSubjectID      bool
	chunkAccessExpire time.Time
	csAccessExpire    time.Time
}

// AccessExpireTime computes when access material issued at issued (unix
// seconds) for validFor seconds expires. If the issuing clock disagrees with
// ours by more than three lease intervals the local clock is used instead.
func AccessExpireTime(now time.Time, issued, validFor int64) time.Time {
	diff := issued - now.Unix()
	if diff < 0 {
		diff = -diff
	}
	base := time.Unix(issued, 0)
	if diff > 3*protocol.LeaseIntervalSecs {
		base = now
	}
	return base.Add(time.Duration(validFor-protocol.LeaseIntervalSecs) * time.Second)
}

// Reset clears all credential state.
func (c *LeaseCredentials) Reset() {
	*c = LeaseCredentials{}
}

// InitFromAllocate seeds the credentials from an allocate reply. With no
// token material the connection is clear text and expiry is effectively
// never; with tokens, a chunk access refresh is forced on the first op
// because the allocate-issued chunk access is short lived.
func (c *LeaseCredentials) InitFromAllocate(op *protocol.AllocateOp, now time.Time) {
	c.hasSubjectID = false
	c.chunkAccess = nil
	if len(op.CSAccessToken) == 0 || len(op.ChunkAccess) == 0 {
		c.chunkAccessExpire = now.Add(365 * 24 * time.Hour)
		c.csAccessExpire = c.chunkAccessExpire
		return
	}
	c.chunkAccess = op.ChunkAccess
	c.chunkAccessExpire = now.Add(-24 * time.Hour)
	c.csAccessExpire = AccessExpireTime(now, op.CSAccessIssuedTime, op.CSAccessValidForTime)
}

// HasAccess reports whether a chunk access token is held.
func (c *LeaseCredentials) HasAccess() bool { return len(c.chunkAccess) > 0 }

// CSAccessExpired reports whether the chunk server access needs a refresh.
func (c *LeaseCredentials) CSAccessExpired(now time.Time) bool {
	return !c.csAccessExpire.After(now)
}

// SetAccess populates the access fields of an outgoing op and, when
// canRequest is set, asks the server for whichever access material is
// expired. Expiries of requested material are rolled forward by
// accessRefreshWindow to mark the refresh in flight; if the op fails the
// write restarts from write id allocation, which rebuilds them.
func (c *LeaseCredentials) SetAccess(
	a *protocol.AccessFields,
	canRequest bool,
	now time.Time,
	writeIDs []protocol.WriteInfo,
	sslShutdown bool,
) {
	a.Access = c.chunkAccess
	a.CreateChunkAccess = canRequest && !c.chunkAccessExpire.After(now)
	a.CreateCSAccess = canRequest && !c.csAccessExpire.After(now)
	a.HasSubjectID = c.hasSubjectID && len(writeIDs) > 0
	if a.HasSubjectID {
		a.SubjectID = writeIDs[0].WriteID
	} else {
		a.SubjectID = -1
	}
	a.WantSessionKey = a.CreateCSAccess && sslShutdown
	if a.CreateChunkAccess {
		c.chunkAccessExpire = now.Add(accessRefreshWindow)
	}
	if a.CreateCSAccess {
		c.csAccessExpire = now.Add(accessRefreshWindow)
	}
}

// UpdateAccess absorbs refreshed token material from a reply. A refreshed
// chunk access token carries the write id subject, so subject ids are
// included from then on. A refreshed chunk server access key is installed
// into the client.
func (c *LeaseCredentials) UpdateAccess(a *protocol.AccessFields, now time.Time, keys KeySetter) {
	if len(a.ChunkAccessResp) > 0 {
		c.hasSubjectID = true
		c.chunkAccess = a.ChunkAccessResp
		c.chunkAccessExpire = AccessExpireTime(now, a.AccessRespIssued, a.AccessRespValidFor)
	}
	if a.AccessRespValidFor > 0 && len(a.CSAccessID) > 0 {
		keys.SetKey(a.CSAccessID, a.CSAccessKey)
		if len(a.ChunkAccessResp) == 0 {
			c.csAccessExpire = AccessExpireTime(now, a.AccessRespIssued, a.AccessRespValidFor)
		} else {
			c.csAccessExpire = c.chunkAccessExpire
		}
	}
}
