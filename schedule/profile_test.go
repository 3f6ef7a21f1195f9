package schedule

import (
	. "github.com/janelia-flyem/go/gocheck"
)

type ProfileSuite struct{}

var _ = Suite(&ProfileSuite{})

func (s *ProfileSuite) TestLookupChunkShape(c *C) {
	c.Assert(LookupChunkShape("full", -1), Equals, ChunkShape{1024, 1024, 1})
	c.Assert(LookupChunkShape("full", 0), Equals, ChunkShape{128, 128, 64})
	c.Assert(LookupChunkShape("full", 4), Equals, ChunkShape{128, 128, 64})
	c.Assert(LookupChunkShape("full", 5), Equals, ChunkShape{64, 64, 64})
	c.Assert(LookupChunkShape("full", 9), Equals, ChunkShape{64, 64, 64})

	// Unknown pairs fall back to the default rather than failing.
	c.Assert(LookupChunkShape("unknown", 3), Equals, ChunkShape{64, 64, 64})
	c.Assert(LookupChunkShape("full", 10), Equals, DefaultChunkShape)
	c.Assert(LookupChunkShape("full", -2), Equals, DefaultChunkShape)
}

func (s *ProfileSuite) TestLookupFactorTriple(c *C) {
	c.Assert(LookupFactorTriple("full", 0), Equals, FactorTriple{2, 2, 1})
	c.Assert(LookupFactorTriple("full", 1), Equals, FactorTriple{2, 2, 2})
	c.Assert(LookupFactorTriple("full", 9), Equals, FactorTriple{2, 2, 2})

	c.Assert(LookupFactorTriple("missing", 0), Equals, FactorTriple{2, 2, 1})
	c.Assert(LookupFactorTriple("full", -1), Equals, DefaultFactor)
	c.Assert(LookupFactorTriple("full", 10), Equals, DefaultFactor)
}

func (s *ProfileSuite) TestProfiles(c *C) {
	c.Assert(ProfileNames(), DeepEquals, []string{"full"})
	rp := Profile(FullProfile)
	c.Assert(rp, NotNil)
	_, found := rp.ChunkShape(-1)
	c.Assert(found, Equals, true)
	_, found = rp.Factor(-1)
	c.Assert(found, Equals, false)

	c.Assert(Profile("nope"), IsNil)
}
