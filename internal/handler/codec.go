package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderq/internal/domain/order"
)

// submitRequest is the POST /api/order payload.
type submitRequest struct {
	OrderID     string           `json:"order_id" validate:"required,max=128"`
	UserID      string           `json:"user_id" validate:"required,max=128"`
	ItemIDs     []string         `json:"item_ids" validate:"required,min=1,dive,required"`
	TotalAmount *decimal.Decimal `json:"total_amount" validate:"required"`
}

func (r *submitRequest) decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "order_id":
			r.OrderID, err = d.Str()
		case "user_id":
			r.UserID, err = d.Str()
		case "item_ids":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.ItemIDs = []string{}
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				if err != nil {
					return err
				}
				r.ItemIDs = append(r.ItemIDs, s)
				return nil
			})
		case "total_amount":
			if d.Next() != jx.Number {
				return errors.New("total_amount: expected number")
			}
			var num jx.Num
			if num, err = d.Num(); err != nil {
				break
			}
			var amount decimal.Decimal
			if amount, err = decimal.NewFromString(num.String()); err == nil {
				r.TotalAmount = &amount
			}
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
}

func (r *submitRequest) toDomain() order.SubmitRequest {
	return order.SubmitRequest{
		OrderID:     r.OrderID,
		UserID:      r.UserID,
		ItemIDs:     r.ItemIDs,
		TotalAmount: *r.TotalAmount,
	}
}

func encodeCreated(e *jx.Encoder, id string) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("message", func(e *jx.Encoder) { e.Str("Order created") })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(id) })
	})
}

func encodeStatus(e *jx.Encoder, id string, st order.Status) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(id) })
		e.Field("status", func(e *jx.Encoder) { e.Str(st.String()) })
	})
}

func encodeSnapshot(e *jx.Encoder, s *order.Snapshot) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("total_orders", func(e *jx.Encoder) { e.Int(s.TotalOrders) })
		e.Field("average_processing_time", func(e *jx.Encoder) { e.Float64(s.AverageProcessingTime) })
		e.Field("status_counts", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, st := range order.Statuses {
					e.Field(st.String(), func(e *jx.Encoder) { e.Int(s.StatusCounts[st]) })
				}
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, enc func(e *jx.Encoder)) {
	var e jx.Encoder
	enc(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
