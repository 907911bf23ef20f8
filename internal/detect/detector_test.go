package detect_test

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sifthq/sift/internal/detect"
	"github.com/sifthq/sift/internal/domain"
	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

const feedHTML = `<html><body>
<div class="feed">
  <article class="post">First post body text</article>
  <article class="post">Second post body text</article>
  <article class="post">Third post body text</article>
  <article class="post">no</article>
  <span class="ad">sponsored</span>
</div>
<nav>
  <a href="/a">one</a>
  <a href="/b">two</a>
</nav>
</body></html>`

func newTree(t *testing.T, raw string) *hosttree.DocumentTree {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	require.NoError(t, err)
	return hosttree.NewDocumentTree(doc)
}

func newDetector(t *testing.T, cfg detect.Config) *detect.Detector {
	t.Helper()
	d, err := detect.NewDetector(cfg, logger.NewNoOp())
	require.NoError(t, err)
	return d
}

func TestNewDetectorValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     detect.Config
		wantErr bool
	}{
		{"defaults", detect.DefaultConfig(), false},
		{"min children too small", detect.Config{MinChildren: 1, MinTextLength: 4}, true},
		{"min text length zero", detect.Config{MinChildren: 3, MinTextLength: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := detect.NewDetector(tt.cfg, logger.NewNoOp())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectFindsDominantSiblingGroup(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	containers := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, containers, 1, "nav group of 2 links stays below the threshold")

	c := containers[0]
	assert.Len(t, c.Items, 4, "dominant article group, the ad span excluded")
	for _, item := range c.Items {
		assert.Equal(t, c.ID, item.ContainerID)
		assert.NotZero(t, item.Signature)
	}
}

func TestDetectMinChildrenThreshold(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	cfg := detect.DefaultConfig()
	cfg.MinChildren = 5
	d := newDetector(t, cfg)

	containers := d.Detect(tree, detect.ModeComprehensive, nil)
	assert.Empty(t, containers, "4 matching siblings below a threshold of 5")
}

func TestDetectShortItemsAreNotClassifiable(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	containers := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, containers, 1)

	classifiable := 0
	for _, item := range containers[0].Items {
		if item.Classifiable {
			classifiable++
		}
	}
	assert.Equal(t, 3, classifiable, `the "no" post is too short to judge`)
}

func TestDetectContainerIdentityPersistsAcrossScans(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	first := d.Detect(tree, detect.ModeComprehensive, nil)
	second := d.Detect(tree, detect.ModeComprehensive, nil)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "re-scan refreshes the container, never recreates it")
	assert.Equal(t, first[0].StructuralKey, second[0].StructuralKey)
}

func TestDetectIsDeterministic(t *testing.T) {
	t.Parallel()

	d1 := newDetector(t, detect.DefaultConfig())
	d2 := newDetector(t, detect.DefaultConfig())

	a := d1.Detect(newTree(t, feedHTML), detect.ModeComprehensive, nil)
	b := d2.Detect(newTree(t, feedHTML), detect.ModeComprehensive, nil)

	require.Len(t, a, len(b))
	for i := range a {
		assert.Equal(t, a[i].StructuralKey, b[i].StructuralKey)
		require.Len(t, a[i].Items, len(b[i].Items))
		for j := range a[i].Items {
			assert.Equal(t, a[i].Items[j].Signature, b[i].Items[j].Signature)
		}
	}
}

func TestDetectIncrementalScopedToRoots(t *testing.T) {
	t.Parallel()

	const twoFeeds = `<html><body>
<div class="left">
  <p>left alpha text</p>
  <p>left bravo text</p>
  <p>left charlie text</p>
</div>
<div class="right">
  <p>right alpha text</p>
  <p>right bravo text</p>
  <p>right charlie text</p>
</div>
</body></html>`

	tree := newTree(t, twoFeeds)
	d := newDetector(t, detect.DefaultConfig())

	all := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, all, 2)

	// Scope the incremental scan to the left feed's root.
	leftRef := hosttree.NodeRef(all[0].LocationRef)
	scoped := d.Detect(tree, detect.ModeIncremental, []hosttree.NodeRef{leftRef})
	require.Len(t, scoped, 1)
	assert.Equal(t, all[0].ID, scoped[0].ID)
}

func TestDetectIncrementalWithoutRootsDegradesToComprehensive(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	containers := d.Detect(tree, detect.ModeIncremental, nil)
	assert.Len(t, containers, 1)
}

func TestDetectSkipsDetachedScanRoot(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	all := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, all, 1)

	ref := hosttree.NodeRef(all[0].LocationRef)
	require.True(t, tree.Detach(ref))

	containers := d.Detect(tree, detect.ModeIncremental, []hosttree.NodeRef{ref})
	assert.Empty(t, containers)
}

func TestDetectExcerptTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("lorem ipsum ", 20)
	raw := `<html><body><ul>
<li>` + long + `</li>
<li>` + long + `</li>
<li>` + long + `</li>
</ul></body></html>`

	cfg := detect.DefaultConfig()
	cfg.ItemExcerptLen = 20
	d := newDetector(t, cfg)

	containers := d.Detect(newTree(t, raw), detect.ModeComprehensive, nil)
	require.Len(t, containers, 1)
	for _, item := range containers[0].Items {
		assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(item.TextExcerpt, "..."))), 20)
		assert.True(t, strings.HasSuffix(item.TextExcerpt, "..."))
	}
}

func TestDropContainerForgetsIdentity(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	first := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, first, 1)

	known := d.KnownContainers()
	require.Contains(t, known, first[0].ID)

	ref, ok := d.DropContainer(first[0].ID)
	require.True(t, ok)
	assert.Equal(t, hosttree.NodeRef(first[0].LocationRef), ref)
	assert.NotContains(t, d.KnownContainers(), first[0].ID)

	_, ok = d.DropContainer(first[0].ID)
	assert.False(t, ok)

	// A fresh detection of the same structure mints a new identity.
	second := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestDetectSignatureStableAcrossRerender(t *testing.T) {
	t.Parallel()

	const rerendered = `<html><body>
<div class="feed">
  <article class="post">FIRST   POST body text</article>
  <article class="post">Second post body text</article>
  <article class="post">Third post body text</article>
</div>
</body></html>`

	const original = `<html><body>
<div class="feed">
  <article class="post">first post body text</article>
  <article class="post">Second post body text</article>
  <article class="post">Third post body text</article>
</div>
</body></html>`

	d1 := newDetector(t, detect.DefaultConfig())
	d2 := newDetector(t, detect.DefaultConfig())

	a := d1.Detect(newTree(t, original), detect.ModeComprehensive, nil)
	b := d2.Detect(newTree(t, rerendered), detect.ModeComprehensive, nil)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Len(t, a[0].Items, len(b[0].Items))
	assert.Equal(t, a[0].Items[0].Signature, b[0].Items[0].Signature,
		"case and whitespace differences hash identically")
}

func containerItemIDs(c domain.Container) []string {
	ids := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestDetectItemIDsScopedToContainer(t *testing.T) {
	t.Parallel()

	tree := newTree(t, feedHTML)
	d := newDetector(t, detect.DefaultConfig())

	containers := d.Detect(tree, detect.ModeComprehensive, nil)
	require.Len(t, containers, 1)

	seen := make(map[string]struct{})
	for _, id := range containerItemIDs(containers[0]) {
		assert.True(t, strings.HasPrefix(id, containers[0].ID))
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
