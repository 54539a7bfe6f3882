package workqueue_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hollowaylabs/workqueue"
)

var _ = Describe("SQLiteStore", func() {
	StoreTestSuite(func() (workqueue.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "workqueue_sqlite_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := workqueue.NewSQLiteStore(filepath.Join(tmpDir, "jobs.db"))
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})
})
