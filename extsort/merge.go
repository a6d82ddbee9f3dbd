package extsort

import (
	"github.com/biogo/store/llrb"
	"github.com/grailbio/tracks/flatten"
)

// cursor iterates over one sorted run.
type cursor interface {
	scan() bool
	current() flatten.Row
	error() error
}

// memRun is a cursor over a sorted in-memory run.
type memRun struct {
	rows []flatten.Row
	i    int
}

func (m *memRun) scan() bool {
	if m.i >= len(m.rows) {
		return false
	}
	m.i++
	return true
}

func (m *memRun) current() flatten.Row { return m.rows[m.i-1] }
func (m *memRun) error() error         { return nil }

// mergeLeaf is one input of the merge.
type mergeLeaf struct {
	// seq distinguishes leaves whose current rows have identical keys.
	seq int
	cur cursor
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	if c := l.cur.current().Key.Compare(l1.cur.current().Key); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

// merger performs a k-way merge of sorted runs.
//
// The leaves are kept in a binary tree rather than a heap. The leaf at the
// top often stays at the top for many rows, and then it is not touched.
type merger struct {
	leaves llrb.Tree
	top    *mergeLeaf
	row    flatten.Row
	inputs []cursor
	err    error
}

func newMerger(inputs []cursor) *merger {
	m := &merger{inputs: inputs}
	for i, c := range inputs {
		if c.scan() {
			m.leaves.Insert(&mergeLeaf{seq: i, cur: c})
		} else if err := c.error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	return m
}

func (m *merger) scan() bool {
	if m.err != nil {
		return false
	}
	if top := m.top; top != nil {
		if !top.cur.scan() {
			m.top = nil
			if err := top.cur.error(); err != nil {
				m.err = err
				return false
			}
		} else if m.leaves.Len() > 0 && m.leaves.Min().(*mergeLeaf).Compare(top) < 0 {
			m.leaves.Insert(top)
			m.top = nil
		}
	}
	if m.top == nil {
		if m.leaves.Len() == 0 {
			return false
		}
		m.top = m.leaves.Min().(*mergeLeaf)
		m.leaves.DeleteMin()
	}
	m.row = m.top.cur.current()
	return true
}
