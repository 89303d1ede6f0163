package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const listingHTML = `<html><body><h1>Index of /ppt/daily/2023</h1><pre>
<a href="../">../</a>
<a href="prism_ppt_us_25m_20230101.zip">prism_ppt_us_25m_20230101.zip</a>
<a href="prism_ppt_us_25m_20230102.zip">prism_ppt_us_25m_20230102.zip</a>
<a href="checksums.txt">checksums.txt</a>
</pre></body></html>`

func TestParseLinks(t *testing.T) {
	root, err := html.Parse(strings.NewReader(listingHTML))
	require.NoError(t, err)

	zips := ParseLinks(root, ".zip")
	assert.Equal(t, []string{
		"prism_ppt_us_25m_20230101.zip",
		"prism_ppt_us_25m_20230102.zip",
	}, zips)

	dirs := ParseLinks(root, "/")
	assert.Equal(t, []string{"../"}, dirs)
}
