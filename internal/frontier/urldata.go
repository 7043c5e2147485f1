package frontier

// URLData is a node of the crawl graph. Depth is the shortest discovery
// depth seen so far and only ever decreases.
type URLData struct {
	url      string
	depth    int
	seq      uint64
	children []*URLData
	childSet map[string]struct{}

	// index is the heap position, -1 when not queued.
	index int

	processed   bool
	fetched     bool
	failedFetch bool
	failedParse bool
}

// DepthReducedFunc is called once for each node whose depth was lowered,
// with the depth it had before.
type DepthReducedFunc func(node *URLData, from int)

// NewURLData returns an unqueued node. seq orders nodes discovered at the
// same depth.
func NewURLData(url string, depth int, seq uint64) *URLData {
	return &URLData{url: url, depth: depth, seq: seq, index: -1}
}

// URL returns the node's normalized url.
func (d *URLData) URL() string { return d.url }

// Depth returns the current minimum depth.
func (d *URLData) Depth() int { return d.depth }

// Children returns the nodes linked from this one in discovery order.
func (d *URLData) Children() []*URLData {
	return append([]*URLData(nil), d.children...)
}

// IsFetched reports whether the url was fetched during this crawl.
func (d *URLData) IsFetched() bool { return d.fetched }

// IsFailedFetch reports whether fetching the url failed.
func (d *URLData) IsFailedFetch() bool { return d.failedFetch }

// IsFailedParse reports whether link extraction failed.
func (d *URLData) IsFailedParse() bool { return d.failedParse }

// HasChild reports whether url is already a child.
func (d *URLData) HasChild(url string) bool {
	_, ok := d.childSet[url]
	return ok
}

// AddChild links child below d and lowers its depth to d.Depth()+1 when
// that is shallower. Adding an existing child is a no-op.
func (d *URLData) AddChild(child *URLData, onReduced DepthReducedFunc) {
	if child == nil || child == d || d.HasChild(child.url) {
		return
	}
	if d.childSet == nil {
		d.childSet = make(map[string]struct{})
	}
	d.childSet[child.url] = struct{}{}
	d.children = append(d.children, child)
	child.ReduceDepth(d.depth+1, onReduced)
}

// ReduceDepth lowers the depth of d to depth and propagates to descendants.
// It does nothing unless depth is strictly smaller, so cycles terminate.
func (d *URLData) ReduceDepth(depth int, onReduced DepthReducedFunc) {
	if depth >= d.depth {
		return
	}
	from := d.depth
	d.depth = depth
	if onReduced != nil {
		onReduced(d, from)
	}
	for _, c := range d.children {
		c.ReduceDepth(depth+1, onReduced)
	}
}
