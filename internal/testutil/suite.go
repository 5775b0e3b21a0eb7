package testutil

import (
	"context"

	"github.com/stretchr/testify/suite"
)

// BaseSuite provides a fresh in-process queue server per test. Embed it and
// set Options in SetupSuite to register run functions or swap queue
// definitions:
//
//	type MySuite struct {
//	    testutil.BaseSuite
//	}
//
//	func (s *MySuite) SetupSuite() {
//	    s.Options = []testutil.ServerOption{
//	        testutil.WithRunFunc("embeddings", "", myRunFunc),
//	    }
//	}
//
// Each test gets its own server and empty queues; shutdown happens through
// the test's cleanup stack.
type BaseSuite struct {
	suite.Suite

	Options []ServerOption
	Server  *TestServer
	Client  *HTTPClient
	Ctx     context.Context
}

// SetupTest builds the server and client. Override and call through if a
// suite needs extra per-test state.
func (s *BaseSuite) SetupTest() {
	s.Ctx = context.Background()
	s.Server = NewTestServer(s.T(), s.Options...)
	s.Client = NewHTTPClient(s.Server.Echo)
}
