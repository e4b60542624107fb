// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"runtime"
	"sync"
)

// Writer provides a mechanism for ordering database writes. SQLite only
// tolerates a single writer at a time, so the exclusive writer serialises
// all writes onto one goroutine. PostgreSQL handles concurrent writers
// itself, so the dummy writer runs the function inline.
type Writer interface {
	// Do queues a database write. If the transaction is nil then a new
	// transaction is started around the function, committed on success and
	// rolled back on error. Blocks until the write has completed.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

// NewDummyWriter returns a Writer that runs writes inline, for databases
// that support concurrent writers.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

type DummyWriter struct{}

func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, func(txn *sql.Tx) error {
			return f(txn)
		})
	}
	return f(txn)
}

// NewExclusiveWriter returns a Writer that serialises all writes onto a
// single goroutine.
func NewExclusiveWriter() Writer {
	return &ExclusiveWriter{}
}

type ExclusiveWriter struct {
	running sync.Once
	todo    chan transactionWriterTask
}

type transactionWriterTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	w.running.Do(func() {
		w.todo = make(chan transactionWriterTask, 50)
		go w.run()
	})
	task := transactionWriterTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	w.todo <- task
	return <-task.wait
}

func (w *ExclusiveWriter) run() {
	if w.todo == nil {
		return
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for task := range w.todo {
		if task.db != nil && task.txn != nil {
			task.wait <- task.f(task.txn)
		} else if task.db != nil && task.txn == nil {
			task.wait <- WithTransaction(task.db, func(txn *sql.Tx) error {
				return task.f(txn)
			})
		} else {
			task.wait <- task.f(nil)
		}
		close(task.wait)
	}
}
