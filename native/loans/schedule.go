package loans

import (
	"errors"
	"fmt"
)

var errScheduleCorrupt = errors.New("loans engine: payment schedule corrupt")

// addPaymentToList issues a fresh payment id and splices its schedule node
// into the due-date ordered list. Equal due dates keep insertion order, so
// later insertions land after existing entries.
func (e *Engine) addPaymentToList(agg *Aggregate, dueDate int64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	agg.PaymentCounter++
	id := agg.PaymentCounter

	var prevID uint64
	currentID := agg.PaymentWithEarliestDueDate
	for currentID != 0 {
		current, err := e.state.GetSortedPayment(currentID)
		if err != nil {
			return 0, err
		}
		if current == nil {
			return 0, fmt.Errorf("%w: missing node %d", errScheduleCorrupt, currentID)
		}
		if dueDate < current.DueDate {
			break
		}
		prevID = currentID
		currentID = current.NextID
	}

	node := &SortedPayment{PreviousID: prevID, NextID: currentID, DueDate: dueDate}
	if prevID == 0 {
		agg.PaymentWithEarliestDueDate = id
	} else {
		prev, err := e.state.GetSortedPayment(prevID)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			return 0, fmt.Errorf("%w: missing node %d", errScheduleCorrupt, prevID)
		}
		prev.NextID = id
		if err := e.state.PutSortedPayment(prevID, prev); err != nil {
			return 0, err
		}
	}
	if currentID != 0 {
		next, err := e.state.GetSortedPayment(currentID)
		if err != nil {
			return 0, err
		}
		if next == nil {
			return 0, fmt.Errorf("%w: missing node %d", errScheduleCorrupt, currentID)
		}
		next.PreviousID = id
		if err := e.state.PutSortedPayment(currentID, next); err != nil {
			return 0, err
		}
	}
	if err := e.state.PutSortedPayment(id, node); err != nil {
		return 0, err
	}
	return id, nil
}

// removePaymentFromList splices the node out of the ordered list and deletes
// it, moving the head forward when the head is removed.
func (e *Engine) removePaymentFromList(agg *Aggregate, id uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	node, err := e.state.GetSortedPayment(id)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: missing node %d", errScheduleCorrupt, id)
	}
	if node.PreviousID != 0 {
		prev, err := e.state.GetSortedPayment(node.PreviousID)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("%w: missing node %d", errScheduleCorrupt, node.PreviousID)
		}
		prev.NextID = node.NextID
		if err := e.state.PutSortedPayment(node.PreviousID, prev); err != nil {
			return err
		}
	} else if agg.PaymentWithEarliestDueDate == id {
		agg.PaymentWithEarliestDueDate = node.NextID
	}
	if node.NextID != 0 {
		next, err := e.state.GetSortedPayment(node.NextID)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%w: missing node %d", errScheduleCorrupt, node.NextID)
		}
		next.PreviousID = node.PreviousID
		if err := e.state.PutSortedPayment(node.NextID, next); err != nil {
			return err
		}
	}
	return e.state.DeleteSortedPayment(id)
}

// scheduled reports whether the payment id still has a node in the ordered
// list. Payments retired by the accounting advance keep their record but lose
// their node.
func (e *Engine) scheduled(id uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	node, err := e.state.GetSortedPayment(id)
	if err != nil {
		return false, err
	}
	return node != nil, nil
}
