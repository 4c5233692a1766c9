package core

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ridSeq uint64

// newReqID builds a short request id for log correlation.
func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return strconv.FormatInt(time.Now().Unix(), 36) + "-" + strconv.FormatUint(n, 36) + "-" + uuid.NewString()[:4]
}
