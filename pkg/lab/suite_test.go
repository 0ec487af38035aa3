package lab

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLabSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lab State Machine Suite")
}
