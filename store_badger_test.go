package workqueue_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hollowaylabs/workqueue"
)

var _ = Describe("BadgerStore", func() {
	StoreTestSuite(func() (workqueue.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "workqueue_badger_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := workqueue.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})
})
