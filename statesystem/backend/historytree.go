// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backend // import "go.opentelemetry.io/ctfstate/statesystem/backend"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/ctfstate/internal/log"
	"go.opentelemetry.io/ctfstate/libpf/freelru"
	"go.opentelemetry.io/ctfstate/libpf/hash"
	"go.opentelemetry.io/ctfstate/libpf/readatbuf"
	"go.opentelemetry.io/ctfstate/libpf/zstpak"
	"go.opentelemetry.io/ctfstate/metrics"
	"go.opentelemetry.io/ctfstate/statesystem/interval"
)

var (
	// ErrCorrupt is returned when a history file cannot be read back.
	ErrCorrupt = errors.New("corrupt history file")
	// ErrIntervalTooLarge is returned for intervals that do not fit in an empty node.
	ErrIntervalTooLarge = errors.New("interval too large for history node")
)

const (
	historyMagic = "CTFHST01"
	// fileHeaderSize is the part of the first block holding the file header. Blocks are
	// never smaller than that.
	fileHeaderSize = 4096
	minBlockSize   = fileHeaderSize
	// maxFingerprint bounds the fingerprint stored in the header.
	maxFingerprint = 1024
)

// HistoryTreeConfig holds the layout and caching parameters of a history tree file.
type HistoryTreeConfig struct {
	// BlockSize is the size of one node on disk.
	BlockSize int
	// MaxChildren is the fan-out of core nodes.
	MaxChildren int
	// ProviderVersion and Fingerprint are stored in the header to validate cached files.
	ProviderVersion uint32
	Fingerprint     string
	// NodeCacheSize is the number of decoded nodes kept in memory.
	NodeCacheSize uint32
	// ReadCacheSize is the number of file pages cached once the tree is sealed. Pages are
	// one block large.
	ReadCacheSize uint
}

// DefaultHistoryTreeConfig returns the configuration used when none is given.
func DefaultHistoryTreeConfig() HistoryTreeConfig {
	return HistoryTreeConfig{
		BlockSize:     64 * 1024,
		MaxChildren:   50,
		NodeCacheSize: 256,
		ReadCacheSize: 64,
	}
}

func (cfg *HistoryTreeConfig) validate() error {
	switch {
	case cfg.BlockSize < minBlockSize:
		return fmt.Errorf("block size %d is below %d", cfg.BlockSize, minBlockSize)
	case cfg.MaxChildren < 2:
		return fmt.Errorf("max children %d is below 2", cfg.MaxChildren)
	case capacity(coreNode, cfg.BlockSize, cfg.MaxChildren) < cfg.BlockSize/4:
		return fmt.Errorf("%d children leave too little room in blocks of %d bytes",
			cfg.MaxChildren, cfg.BlockSize)
	case len(cfg.Fingerprint) > maxFingerprint:
		return fmt.Errorf("fingerprint longer than %d bytes", maxFingerprint)
	case cfg.NodeCacheSize == 0:
		return errors.New("node cache size cannot be zero")
	case cfg.ReadCacheSize == 0:
		return errors.New("read cache size cannot be zero")
	}
	return nil
}

// HistoryTree stores intervals in a file of fixed size blocks. The nodes of the latest
// branch, from the root to the current leaf, are kept in memory. When one of them fills up
// it is closed at the current end time, written out and replaced by a fresh sibling.
//
// The first block holds the file header, node seq lives in block seq+1, and the
// serialized attribute tree follows the last node. The header is written last, so a file
// that was never finished cannot be opened.
type HistoryTree struct {
	cfg        HistoryTreeConfig
	path       string
	start, end int64

	file   *os.File
	closer io.Closer
	reader io.ReaderAt

	branch    []*node
	rootSeq   int32
	nodeCount int32
	count     uint64

	cache      *freelru.LRU[int32, *node]
	attributes []byte
	finished   bool
	disposed   bool
}

var _ Backend = (*HistoryTree)(nil)

// NewHistoryTree creates the history file at path for a history starting at start.
func NewHistoryTree(path string, start int64, cfg HistoryTreeConfig) (*HistoryTree, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cache, err := freelru.New[int32, *node](cfg.NodeCacheSize, hash.Key[int32])
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	t := &HistoryTree{
		cfg:    cfg,
		path:   path,
		start:  start,
		end:    start,
		file:   file,
		closer: file,
		reader: file,
		cache:  cache,
	}
	t.branch = []*node{t.newNode(leafNode, -1, start)}
	return t, nil
}

// OpenHistoryTree opens a history file written by a finished HistoryTree, either plain or
// compressed with zstpak. Only the cache sizes of cfg are used; the layout comes from the
// file.
func OpenHistoryTree(path string, cfg HistoryTreeConfig) (*HistoryTree, error) {
	if cfg.NodeCacheSize == 0 || cfg.ReadCacheSize == 0 {
		return nil, errors.New("cache sizes cannot be zero")
	}

	var (
		inner  io.ReaderAt
		closer io.Closer
	)
	if zstpak.IsZstpak(path) {
		pak, err := zstpak.Open(path)
		if err != nil {
			return nil, err
		}
		inner, closer = pak, pak
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		inner, closer = file, file
	}

	t, err := openHistoryTree(path, inner, cfg)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.closer = closer
	log.Debugf("Opened history %s: %d nodes, [%d, %d]", path, t.nodeCount, t.start, t.end)
	return t, nil
}

func openHistoryTree(path string, inner io.ReaderAt, cfg HistoryTreeConfig) (*HistoryTree, error) {
	buf := make([]byte, fileHeaderSize)
	if _, err := inner.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	hdr, err := decodeFileHeader(buf)
	if err != nil {
		return nil, err
	}
	cfg.BlockSize = int(hdr.blockSize)
	cfg.MaxChildren = int(hdr.maxChildren)
	cfg.ProviderVersion = hdr.providerVersion
	cfg.Fingerprint = hdr.fingerprint
	if err = cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if hdr.rootSeq < 0 || hdr.rootSeq >= hdr.nodeCount {
		return nil, fmt.Errorf("%w: root %d out of %d nodes", ErrCorrupt, hdr.rootSeq, hdr.nodeCount)
	}

	attrs := make([]byte, hdr.attrLen)
	if _, err = inner.ReadAt(attrs, int64(hdr.attrOffset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading attributes: %v", ErrCorrupt, err)
	}
	if xxh3.Hash(attrs) != hdr.attrChecksum {
		return nil, fmt.Errorf("%w: attribute checksum mismatch", ErrCorrupt)
	}

	reader, err := readatbuf.New(inner, uint(cfg.BlockSize), cfg.ReadCacheSize)
	if err != nil {
		return nil, err
	}
	cache, err := freelru.New[int32, *node](cfg.NodeCacheSize, hash.Key[int32])
	if err != nil {
		return nil, err
	}
	return &HistoryTree{
		cfg:        cfg,
		path:       path,
		start:      hdr.start,
		end:        hdr.end,
		reader:     reader,
		rootSeq:    hdr.rootSeq,
		nodeCount:  hdr.nodeCount,
		count:      hdr.intervals,
		cache:      cache,
		attributes: attrs,
		finished:   true,
	}, nil
}

// Path returns the location of the history file.
func (t *HistoryTree) Path() string { return t.path }

// Fingerprint returns the fingerprint stored in the file header.
func (t *HistoryTree) Fingerprint() string { return t.cfg.Fingerprint }

// ProviderVersion returns the provider version stored in the file header.
func (t *HistoryTree) ProviderVersion() uint32 { return t.cfg.ProviderVersion }

// NodeCount returns the number of nodes allocated so far.
func (t *HistoryTree) NodeCount() int { return int(t.nodeCount) }

// Depth returns the number of levels of the tree while it is being built.
func (t *HistoryTree) Depth() int { return len(t.branch) }

func (t *HistoryTree) StartTime() int64 { return t.start }
func (t *HistoryTree) EndTime() int64   { return t.end }

func (t *HistoryTree) newNode(kind nodeKind, parent int32, start int64) *node {
	n := &node{kind: kind, seq: t.nodeCount, parent: parent, start: start}
	t.nodeCount++
	return n
}

func (t *HistoryTree) freeSpace(n *node) int {
	return capacity(n.kind, t.cfg.BlockSize, t.cfg.MaxChildren) - n.dataSize
}

func (t *HistoryTree) Insert(iv interval.Interval) error {
	switch {
	case t.disposed:
		return ErrDisposed
	case t.finished:
		return ErrFinished
	case iv.Quark < 0:
		return fmt.Errorf("invalid quark %d", iv.Quark)
	case iv.Start < t.start:
		return fmt.Errorf("interval %v starts before the history start %d", iv, t.start)
	case iv.End < iv.Start:
		return fmt.Errorf("interval %v ends before it starts", iv)
	}
	size := iv.EncodedSize()
	if size > capacity(coreNode, t.cfg.BlockSize, t.cfg.MaxChildren) {
		return fmt.Errorf("%w: %d bytes", ErrIntervalTooLarge, size)
	}

	level := len(t.branch) - 1
	for {
		n := t.branch[level]
		if size > t.freeSpace(n) {
			if err := t.addSibling(level); err != nil {
				return err
			}
			level = len(t.branch) - 1
			continue
		}
		// The root starts at the history start, so this stops there at the latest.
		if iv.Start < n.start {
			level--
			continue
		}
		n.add(iv, size)
		break
	}
	t.end = max(t.end, iv.End)
	t.count++
	return nil
}

// addSibling replaces the branch below the nearest ancestor of level that can take one
// more child. Without such an ancestor the tree grows a new root.
func (t *HistoryTree) addSibling(level int) error {
	for level > 0 && len(t.branch[level-1].children) == t.cfg.MaxChildren {
		level--
	}
	if level == 0 {
		return t.addRoot()
	}

	split := t.end
	for i := level; i < len(t.branch); i++ {
		old := t.branch[i]
		if err := t.closeAndWrite(old, split); err != nil {
			return err
		}
		parent := t.branch[i-1]
		n := t.newNode(old.kind, parent.seq, split+1)
		parent.children = append(parent.children, childRef{start: n.start, seq: n.seq})
		t.branch[i] = n
	}
	return nil
}

func (t *HistoryTree) addRoot() error {
	split := t.end
	oldRoot := t.branch[0]
	root := t.newNode(coreNode, -1, t.start)
	oldRoot.parent = root.seq
	for _, n := range t.branch {
		if err := t.closeAndWrite(n, split); err != nil {
			return err
		}
	}
	root.children = append(root.children, childRef{start: oldRoot.start, seq: oldRoot.seq})

	depth := len(t.branch)
	branch := make([]*node, 0, depth+1)
	branch = append(branch, root)
	for i := 1; i <= depth; i++ {
		kind := coreNode
		if i == depth {
			kind = leafNode
		}
		parent := branch[i-1]
		n := t.newNode(kind, parent.seq, split+1)
		parent.children = append(parent.children, childRef{start: n.start, seq: n.seq})
		branch = append(branch, n)
	}
	t.branch = branch
	t.rootSeq = root.seq
	log.Debugf("History %s grew to depth %d", t.path, depth+1)
	return nil
}

func (t *HistoryTree) closeAndWrite(n *node, end int64) error {
	n.close(end)
	off := int64(n.seq+1) * int64(t.cfg.BlockSize)
	if _, err := t.file.WriteAt(n.encode(t.cfg.BlockSize, t.cfg.MaxChildren), off); err != nil {
		return fmt.Errorf("writing node %d: %w", n.seq, err)
	}
	t.cache.Add(n.seq, n)
	return nil
}

func (t *HistoryTree) Finish(end int64, attributes []byte) error {
	switch {
	case t.disposed:
		return ErrDisposed
	case t.finished:
		return ErrFinished
	}
	t.end = max(t.end, end)
	for _, n := range t.branch {
		if err := t.closeAndWrite(n, t.end); err != nil {
			return err
		}
	}
	t.rootSeq = t.branch[0].seq
	t.branch = nil

	attrOffset := int64(t.nodeCount+1) * int64(t.cfg.BlockSize)
	if _, err := t.file.WriteAt(attributes, attrOffset); err != nil {
		return fmt.Errorf("writing attributes: %w", err)
	}
	hdr := fileHeader{
		blockSize:       uint32(t.cfg.BlockSize),
		maxChildren:     uint32(t.cfg.MaxChildren),
		providerVersion: t.cfg.ProviderVersion,
		nodeCount:       t.nodeCount,
		rootSeq:         t.rootSeq,
		start:           t.start,
		end:             t.end,
		attrOffset:      uint64(attrOffset),
		attrLen:         uint64(len(attributes)),
		attrChecksum:    xxh3.Hash(attributes),
		intervals:       t.count,
		fingerprint:     t.cfg.Fingerprint,
	}
	if _, err := t.file.WriteAt(hdr.encode(), 0); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return err
	}

	reader, err := readatbuf.New(t.file, uint(t.cfg.BlockSize), t.cfg.ReadCacheSize)
	if err != nil {
		return err
	}
	t.reader = reader
	t.attributes = attributes
	t.finished = true

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDHistoryNodesWritten, Value: metrics.MetricValue(t.nodeCount)},
		{ID: metrics.IDIntervalsInserted, Value: metrics.MetricValue(t.count)},
	})
	log.Debugf("Wrote history %s: %d intervals in %d nodes", t.path, t.count, t.nodeCount)
	return nil
}

func (t *HistoryTree) Attributes() ([]byte, error) {
	if t.disposed {
		return nil, ErrDisposed
	}
	return t.attributes, nil
}

// node returns the node seq from the latest branch, the node cache or the file.
func (t *HistoryTree) node(seq int32) (*node, error) {
	for _, n := range t.branch {
		if n.seq == seq {
			return n, nil
		}
	}
	if n, ok := t.cache.Get(seq); ok {
		return n, nil
	}
	if seq < 0 || seq >= t.nodeCount {
		return nil, fmt.Errorf("%w: node %d out of %d", ErrCorrupt, seq, t.nodeCount)
	}

	buf := make([]byte, t.cfg.BlockSize)
	off := int64(seq+1) * int64(t.cfg.BlockSize)
	if n, err := t.reader.ReadAt(buf, off); err != nil && (err != io.EOF || n < len(buf)) {
		return nil, fmt.Errorf("reading node %d: %w", seq, err)
	}
	n, err := decodeNode(buf, seq, t.cfg.MaxChildren)
	if err != nil {
		return nil, err
	}
	t.cache.Add(seq, n)
	return n, nil
}

func (t *HistoryTree) root() (*node, error) {
	if len(t.branch) > 0 {
		return t.branch[0], nil
	}
	return t.node(t.rootSeq)
}

// walk visits the nodes whose time range contains ts, from the root down, until visit
// returns false.
func (t *HistoryTree) walk(ts int64, visit func(*node) bool) error {
	if t.disposed {
		return ErrDisposed
	}
	if ts < t.start || ts > t.end {
		return nil
	}
	n, err := t.root()
	if err != nil {
		return err
	}
	for visit(n) && n.kind == coreNode {
		seq, ok := n.childAt(ts)
		if !ok {
			return nil
		}
		if n, err = t.node(seq); err != nil {
			return err
		}
	}
	return nil
}

func (t *HistoryTree) Query(ts int64, quark int) (iv interval.Interval, found bool, err error) {
	err = t.walk(ts, func(n *node) bool {
		iv, found = n.find(ts, quark)
		return !found
	})
	return iv, found, err
}

func (t *HistoryTree) QueryAll(ts int64, out []interval.Interval, found []bool) error {
	return t.walk(ts, func(n *node) bool {
		n.collect(ts, out, found)
		return true
	})
}

// CacheStatistics returns and resets the node cache hit and miss counts.
func (t *HistoryTree) CacheStatistics() freelru.Statistics {
	return t.cache.GetAndResetStatistics()
}

func (t *HistoryTree) Dispose() error {
	if t.disposed {
		return nil
	}
	t.disposed = true
	stats := t.cache.GetAndResetStatistics()
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDNodeCacheHit, Value: metrics.MetricValue(stats.Hit)},
		{ID: metrics.IDNodeCacheMiss, Value: metrics.MetricValue(stats.Miss)},
	})
	t.cache.Purge()
	t.branch = nil
	t.attributes = nil
	return t.closer.Close()
}

type fileHeader struct {
	blockSize, maxChildren, providerVersion uint32
	nodeCount, rootSeq                      int32
	start, end                              int64
	attrOffset, attrLen, attrChecksum       uint64
	intervals                               uint64
	fingerprint                             string
}

func (h *fileHeader) encode() []byte {
	b := make([]byte, 0, fileHeaderSize)
	b = append(b, historyMagic...)
	b = binary.LittleEndian.AppendUint32(b, h.blockSize)
	b = binary.LittleEndian.AppendUint32(b, h.maxChildren)
	b = binary.LittleEndian.AppendUint32(b, h.providerVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(h.nodeCount))
	b = binary.LittleEndian.AppendUint32(b, uint32(h.rootSeq))
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint64(b, uint64(h.start))
	b = binary.LittleEndian.AppendUint64(b, uint64(h.end))
	b = binary.LittleEndian.AppendUint64(b, h.attrOffset)
	b = binary.LittleEndian.AppendUint64(b, h.attrLen)
	b = binary.LittleEndian.AppendUint64(b, h.attrChecksum)
	b = binary.LittleEndian.AppendUint64(b, h.intervals)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(h.fingerprint)))
	b = append(b, h.fingerprint...)
	b = b[:fileHeaderSize]
	binary.LittleEndian.PutUint64(b[fileHeaderSize-checksumSize:],
		xxh3.Hash(b[:fileHeaderSize-checksumSize]))
	return b
}

func decodeFileHeader(b []byte) (*fileHeader, error) {
	if !bytes.HasPrefix(b, []byte(historyMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	sum := binary.LittleEndian.Uint64(b[fileHeaderSize-checksumSize:])
	if xxh3.Hash(b[:fileHeaderSize-checksumSize]) != sum {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}
	le := binary.LittleEndian
	h := &fileHeader{
		blockSize:       le.Uint32(b[8:]),
		maxChildren:     le.Uint32(b[12:]),
		providerVersion: le.Uint32(b[16:]),
		nodeCount:       int32(le.Uint32(b[20:])),
		rootSeq:         int32(le.Uint32(b[24:])),
		start:           int64(le.Uint64(b[32:])),
		end:             int64(le.Uint64(b[40:])),
		attrOffset:      le.Uint64(b[48:]),
		attrLen:         le.Uint64(b[56:]),
		attrChecksum:    le.Uint64(b[64:]),
		intervals:       le.Uint64(b[72:]),
	}
	fpLen := int(le.Uint16(b[80:]))
	if fpLen > maxFingerprint {
		return nil, fmt.Errorf("%w: fingerprint of %d bytes", ErrCorrupt, fpLen)
	}
	h.fingerprint = string(b[82 : 82+fpLen])
	if h.attrLen > 1<<32 {
		return nil, fmt.Errorf("%w: attribute tree of %d bytes", ErrCorrupt, h.attrLen)
	}
	return h, nil
}
