package nvmeemu

import (
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/usernvme/nvmespec"
)

const (
	// SC 00h under SCT 1: completion queue invalid.
	scInvalidCompletionQueue = 0x00
)

func (c *Controller) executeAdmin(cmd nvmespec.Command) result {
	c.stats.adminCommands.Add(1)

	switch cmd.Opcode {
	case nvmespec.AdminIdentify:
		return c.identify(cmd)
	case nvmespec.AdminSetFeatures:
		return c.setFeatures(cmd)
	case nvmespec.AdminGetFeatures:
		return c.getFeatures(cmd)
	case nvmespec.AdminCreateIOCQ:
		return c.createIOCQ(cmd)
	case nvmespec.AdminCreateIOSQ:
		return c.createIOSQ(cmd)
	case nvmespec.AdminDeleteIOSQ:
		return c.deleteIOSQ(cmd)
	case nvmespec.AdminDeleteIOCQ:
		return c.deleteIOCQ(cmd)
	case nvmespec.AdminAbort, nvmespec.AdminKeepAlive:
		return success()
	}

	return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidOpcode)
}

func (c *Controller) identify(cmd nvmespec.Command) result {
	var (
		data []byte
		err  error
	)

	switch uint8(cmd.CDW10) {
	case nvmespec.CNSController:
		data, err = c.identifyController().Encode()
	case nvmespec.CNSNamespace:
		ns, ok := c.namespace(cmd.NSID)
		if !ok {
			return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidNamespace)
		}
		data, err = c.identifyNamespace(ns).Encode()
	case nvmespec.CNSActiveNamespace:
		data = nvmespec.EncodeActiveNamespaces(c.namespaceIDs(), cmd.NSID)
	default:
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}
	if err != nil {
		c.log.WithError(err).Error("encode identify data")
		return failure(nvmespec.SCTGeneric, nvmespec.SCInternalError)
	}

	if err := c.transfer(cmd.PRP1, cmd.PRP2, data, true); err != nil {
		return failure(nvmespec.SCTGeneric, nvmespec.SCDataTransferError)
	}

	return success()
}

func (c *Controller) identifyController() *nvmespec.IdentifyController {
	id := &nvmespec.IdentifyController{
		VID:    vendorID,
		SSVID:  vendorID,
		MDTS:   c.caps.MDTS,
		CNTLID: 1,
		VER:    0x00010400,
		SQES:   nvmespec.SQESLog2<<4 | nvmespec.SQESLog2,
		CQES:   nvmespec.CQESLog2<<4 | nvmespec.CQESLog2,
		MAXCMD: c.caps.MQES,
		ONCS:   nvmespec.ONCSDatasetManagement | nvmespec.ONCSWriteZeroes,
		VWC:    1,
	}

	ids := c.namespaceIDs()
	if len(ids) > 0 {
		id.NN = ids[len(ids)-1]
	}

	nvmespec.SetString(id.MN[:], "usernvme emulated controller")
	nvmespec.SetString(id.SN[:], c.caps.SubsystemID.String()[:20])
	nvmespec.SetString(id.FR[:], "1.0")

	return id
}

func (c *Controller) identifyNamespace(ns *namespace) *nvmespec.IdentifyNamespace {
	id := &nvmespec.IdentifyNamespace{
		NSZE:   ns.blocks,
		NCAP:   ns.blocks,
		NUSE:   ns.blocks,
		NSFEAT: 1,
		DLFEAT: 1<<3 | 1,
	}
	id.LBAFormats[0].LBADS = log2(ns.blockSize)

	return id
}

func (c *Controller) setFeatures(cmd nvmespec.Command) result {
	if uint8(cmd.CDW10) != nvmespec.FeatureNumberOfQueues {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	sq, cq := nvmespec.DecodeNumberOfQueues(cmd.CDW11)
	if sq == 0 || cq == 0 {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	c.mu.Lock()
	c.grantedSQ = min(sq, c.caps.MaxIOQueues)
	c.grantedCQ = min(cq, c.caps.MaxIOQueues)
	dw0 := nvmespec.EncodeNumberOfQueues(c.grantedSQ, c.grantedCQ)
	c.mu.Unlock()

	return result{dw0: dw0}
}

func (c *Controller) getFeatures(cmd nvmespec.Command) result {
	if uint8(cmd.CDW10) != nvmespec.FeatureNumberOfQueues {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sq, cq := c.grantedSQ, c.grantedCQ
	if sq == 0 {
		sq, cq = c.caps.MaxIOQueues, c.caps.MaxIOQueues
	}

	return result{dw0: nvmespec.EncodeNumberOfQueues(sq, cq)}
}

func (c *Controller) checkQueue(qid uint16, size uint32, base uint64) (result, bool) {
	if qid == 0 || qid > c.caps.MaxIOQueues {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueID), false
	}
	if size < 2 || size > uint32(c.caps.MQES)+1 {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueSize), false
	}
	if base%nvmespec.PageSize != 0 {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField), false
	}

	return success(), true
}

func (c *Controller) createIOCQ(cmd nvmespec.Command) result {
	qid, size, vector, flags := cmd.QueueCreateFields()
	if res, ok := c.checkQueue(qid, size, cmd.PRP1); !ok {
		return res
	}
	if flags&nvmespec.QueuePhysContig == 0 {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}
	if vector >= c.caps.MSIXCount {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidInterruptVector)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cqs[qid]; ok {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueID)
	}

	c.cqs[qid] = newCompQueue(qid, cmd.PRP1, size, vector, flags&nvmespec.CQInterruptsEnabled != 0)
	c.log.WithFields(logrus.Fields{"qid": qid, "size": size, "vector": vector}).Debug("created completion queue")

	return success()
}

func (c *Controller) createIOSQ(cmd nvmespec.Command) result {
	qid, size, cqid, flags := cmd.QueueCreateFields()
	if res, ok := c.checkQueue(qid, size, cmd.PRP1); !ok {
		return res
	}
	if flags&nvmespec.QueuePhysContig == 0 {
		return failure(nvmespec.SCTGeneric, nvmespec.SCInvalidField)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sqs[qid]; ok {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueID)
	}
	cq, ok := c.cqs[cqid]
	if !ok || cqid == 0 {
		return failure(nvmespec.SCTCommandSpecific, scInvalidCompletionQueue)
	}

	sq := newSubQueue(qid, cmd.PRP1, size, cq)
	c.sqs[qid] = sq
	c.startSQ(sq)
	c.log.WithFields(logrus.Fields{"qid": qid, "size": size, "cqid": cqid}).Debug("created submission queue")

	return success()
}

func (c *Controller) deleteIOSQ(cmd nvmespec.Command) result {
	qid := uint16(cmd.CDW10)

	c.mu.Lock()
	sq, ok := c.sqs[qid]
	if qid == 0 || !ok {
		c.mu.Unlock()
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueID)
	}
	delete(c.sqs, qid)
	c.mu.Unlock()

	sq.stopAndWait()

	return success()
}

func (c *Controller) deleteIOCQ(cmd nvmespec.Command) result {
	qid := uint16(cmd.CDW10)

	c.mu.Lock()
	defer c.mu.Unlock()

	cq, ok := c.cqs[qid]
	if qid == 0 || !ok {
		return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueID)
	}
	for _, sq := range c.sqs {
		if sq.cq == cq {
			return failure(nvmespec.SCTCommandSpecific, nvmespec.SCInvalidQueueDeletion)
		}
	}

	cq.shutdown()
	delete(c.cqs, qid)

	return success()
}
