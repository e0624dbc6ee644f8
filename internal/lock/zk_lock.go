// internal/lock/zk_lock.go
package lock

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const zkLockRoot = "/minimall/locks"

// ZkFairManager 是公平（FIFO）锁策略。
// 临时顺序节点排队，只监听自己前一个节点，先排队者先获得锁。
// 留给低频但对公平性敏感的操作（排行榜重算、死信扫描），
// 这些场景下等待者被饿死会直接破坏正确性。
//
// 租约语义由 ZooKeeper 会话承担：持有者崩溃即会话断开，
// 临时节点被删除，锁自动回收，因此 Renew 是空操作。
type ZkFairManager struct {
	conn *zk.Conn
}

// NewZkFairManager 连接 ZooKeeper 并确保锁根节点存在。
func NewZkFairManager(servers []string) (*ZkFairManager, error) {
	conn, _, err := zk.Connect(servers, 10*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}

	m := &ZkFairManager{conn: conn}
	if err := m.ensurePath(zkLockRoot); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// Acquire 在 waitTime 内排队等锁。leaseTime 被忽略，见类型注释。
func (m *ZkFairManager) Acquire(ctx context.Context, key string, waitTime, leaseTime time.Duration) (Lease, error) {
	// 键里的冒号对 ZooKeeper 路径无碍，但斜杠必须转义
	lockPath := zkLockRoot + "/" + strings.ReplaceAll(key, "/", "_")
	if err := m.ensurePath(lockPath); err != nil {
		return nil, err
	}

	nodePath, err := m.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, errors.Wrap(err, "create sequential lock node")
	}

	deadline := time.Now().Add(waitTime)
	for {
		children, _, err := m.conn.Children(lockPath)
		if err != nil {
			m.abandon(nodePath)
			return nil, errors.Wrap(err, "list lock children")
		}
		sortBySequence(children)

		myNodeName := strings.TrimPrefix(nodePath, lockPath+"/")
		if len(children) > 0 && myNodeName == children[0] {
			// 自己是最小节点，获得锁
			return &zkLease{conn: m.conn, key: key, nodePath: nodePath}, nil
		}

		// 监听前一个节点，它消失后重新竞争
		prevIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevIndex = i - 1
				break
			}
		}
		if prevIndex < 0 {
			m.abandon(nodePath)
			return nil, errors.New("own lock node missing from children listing")
		}

		_, _, eventChan, err := m.conn.ExistsW(lockPath + "/" + children[prevIndex])
		if err != nil {
			if err == zk.ErrNoNode {
				// 前一个节点刚好被删了，立刻重试
				continue
			}
			m.abandon(nodePath)
			return nil, errors.Wrap(err, "watch previous lock node")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.abandon(nodePath)
			return nil, ErrAcquireTimeout
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-time.After(remaining):
			m.abandon(nodePath)
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			m.abandon(nodePath)
			return nil, ctx.Err()
		}
	}
}

// Close 关闭底层连接。
func (m *ZkFairManager) Close() {
	m.conn.Close()
}

// zkSeq 取出顺序节点名末尾的序号。
// 保护模式的节点名形如 _c_<GUID>-lock-0000000042：GUID 在序号前面，
// 字典序会被随机 GUID 主导，排队顺序必须按序号比较。
func zkSeq(name string) (int64, bool) {
	idx := strings.LastIndex(name, "-")
	if idx < 0 || idx == len(name)-1 {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sortBySequence 按序号升序排列子节点，解析不了序号的排最后。
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		si, iok := zkSeq(children[i])
		sj, jok := zkSeq(children[j])
		if iok != jok {
			return iok
		}
		if !iok {
			return children[i] < children[j]
		}
		return si < sj
	})
}

func (m *ZkFairManager) ensurePath(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		if exists, _, err := m.conn.Exists(current); err == nil && exists {
			continue
		}
		if _, err := m.conn.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return errors.Wrapf(err, "create zk path %s", current)
		}
	}
	return nil
}

// abandon 清掉自己排队的节点，放弃本次竞争。
func (m *ZkFairManager) abandon(nodePath string) {
	_ = m.conn.Delete(nodePath, -1)
}

type zkLease struct {
	conn     *zk.Conn
	key      string
	nodePath string
}

func (l *zkLease) Key() string { return l.key }

func (l *zkLease) Release(ctx context.Context) error {
	err := l.conn.Delete(l.nodePath, -1)
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrapf(err, "delete lock node %s", l.nodePath)
	}
	return nil
}

func (l *zkLease) Renew(ctx context.Context, leaseTime time.Duration) error {
	// 会话存活即持有，无需续期
	return nil
}
