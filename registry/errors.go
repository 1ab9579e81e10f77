package registry

import "github.com/thaliproject/thali-go/thalierr"

var errPeerNotAvailable = thalierr.ErrPeerNotAvailable
