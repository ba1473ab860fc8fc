package vkg

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// Queue is a device queue of one family. Submission goes through Commands.
type Queue struct {
	Device      *Device
	FamilyIndex uint32
	VKQueue     vk.Queue
}

func (q *Queue) String() string {
	return fmt.Sprintf("{ Family: %d }", q.FamilyIndex)
}
