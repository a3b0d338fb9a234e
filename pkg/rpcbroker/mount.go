package rpcbroker

import (
	"sort"
	"strconv"
	"strings"

	"github.com/silicon-heaven/shvgo/pkg/rpcio"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// mountEntry is one entry of the broker's mount table, kept sorted by
// path so mountedClient can binary-search it.
type mountEntry struct {
	path string
	cid  int64
}

// mount grafts cid's node tree at path, reporting whether it succeeded
// (false if path is already mounted, below, or above an existing mount).
// Callers must have already validated path itself (see validMountPoint).
func (b *Broker) mount(cid int64, path string) bool {
	b.mu.Lock()
	for _, m := range b.mounts {
		if isPathPrefix(path, m.path) || isPathPrefix(m.path, path) {
			b.mu.Unlock()
			return false
		}
	}
	prefix, node := lsmodNode(b.mounts, path)
	i := sort.Search(len(b.mounts), func(i int) bool { return b.mounts[i].path >= path })
	b.mounts = append(b.mounts, mountEntry{})
	copy(b.mounts[i+1:], b.mounts[i:])
	b.mounts[i] = mountEntry{path: path, cid: cid}
	n := len(b.mounts)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetMountCount(n)
	}
	b.sendLsmod(prefix, node, true)
	return true
}

// unmount removes cid's mount at path.
func (b *Broker) unmount(cid int64, path string) {
	b.mu.Lock()
	i := sort.Search(len(b.mounts), func(i int) bool { return b.mounts[i].path >= path })
	if i >= len(b.mounts) || b.mounts[i].path != path || b.mounts[i].cid != cid {
		b.mu.Unlock()
		return
	}
	b.mounts = append(b.mounts[:i], b.mounts[i+1:]...)
	prefix, node := lsmodNode(b.mounts, path)
	n := len(b.mounts)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetMountCount(n)
	}
	b.sendLsmod(prefix, node, false)
}

// mountedClient resolves path to the client mounted there (directly, or
// as an ancestor of path), returning the matched client's cid and path
// relative to its mount point. It also understands the broker's own
// ".broker/client/<cid>" virtual mount, through which every active
// client's tree is reachable regardless of whether it has a real mount
// point.
func (b *Broker) mountedClient(path string) (cid int64, rpath string, ok bool) {
	const clientMount = ".broker/client/"
	if strings.HasPrefix(path, clientMount) {
		rest := path[len(clientMount):]
		end := strings.IndexByte(rest, '/')
		idStr := rest
		if end >= 0 {
			idStr = rest[:end]
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || !b.clientActive(id) {
			return 0, "", false
		}
		if end >= 0 {
			return id, rest[end+1:], true
		}
		return id, "", true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := sort.Search(len(b.mounts), func(i int) bool { return b.mounts[i].path > path }) - 1; i >= 0; i-- {
		m := b.mounts[i]
		if isPathPrefix(path, m.path) {
			rest := path[len(m.path):]
			rest = strings.TrimPrefix(rest, "/")
			return m.cid, rest, true
		}
	}
	return 0, "", false
}

// lsmodNode computes, for a mount point being added or removed, the
// broker-relative directory (prefix) and single child name (node) whose
// ls listing is affected: the deepest directory boundary mountPoint
// shares with some other already-registered mount, or the root if it
// shares none. This mirrors how a client ls-ing an intermediate path
// (one that is itself no real mount, just a common ancestor of two or
// more mount points) sees each real mount's topmost distinguishing
// segment as a virtual child node.
func lsmodNode(mounts []mountEntry, mountPoint string) (prefix, node string) {
	plen := 0
	for _, m := range mounts {
		other := m.path
		pos := 0
		for {
			idx := strings.IndexByte(other[pos:], '/')
			if idx < 0 {
				break
			}
			siz := pos + idx
			if siz < len(mountPoint) && mountPoint[:siz] == other[:siz] && mountPoint[siz] == '/' {
				if siz > plen {
					plen = siz
				}
				pos = siz + 1
				continue
			}
			break
		}
	}
	if plen > 0 {
		rest := mountPoint[plen+1:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return mountPoint[:plen], rest[:i]
		}
		return mountPoint[:plen], rest
	}
	if i := strings.IndexByte(mountPoint, '/'); i >= 0 {
		return "", mountPoint[:i]
	}
	return "", mountPoint
}

// sendLsmod fans an "ls"/"lsmod" signal out to every subscriber of
// prefix's ls method, reporting that node was added (val true) or removed
// (val false) from prefix's listing.
func (b *Broker) sendLsmod(prefix, node string, val bool) {
	b.sendSignalFunc(prefix, "ls", "lsmod", "", rpcmsg.AccessBrowse, false, func(p rpcio.Packer) error {
		if _, err := p.MapBegin(); err != nil {
			return err
		}
		if _, err := p.PackString(node); err != nil {
			return err
		}
		if _, err := p.PackBool(val); err != nil {
			return err
		}
		_, err := p.ContainerEnd()
		return err
	})
}
