// Package model содержит доменные сущности витрины пиццерии.
package model

// UserProfile описывает профиль текущего пользователя.
type UserProfile struct {
	Email    string `json:"email" validate:"storefront_email"`
	FullName string `json:"fullName"`
	Phone    string `json:"phone" validate:"omitempty,len=11"`
}

// Pizza описывает пиццу в том объёме, в котором она встречается в корзине.
type Pizza struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

// CartItem описывает позицию корзины. Отсутствие позиции равнозначно количеству 0.
type CartItem struct {
	Pizza    Pizza `json:"pizza"`
	Quantity int   `json:"quantity"`
}

// PizzaID возвращает идентификатор пиццы позиции.
func (i CartItem) PizzaID() string {
	return i.Pizza.ID
}

// Cart описывает корзину пользователя.
type Cart struct {
	ID    string     `json:"_id,omitempty"`
	Items []CartItem `json:"items"`
}

// Quantity возвращает количество указанной пиццы в корзине.
func (c *Cart) Quantity(pizzaID string) int {
	if c == nil {
		return 0
	}
	for _, item := range c.Items {
		if item.PizzaID() == pizzaID && item.Quantity > 0 {
			return item.Quantity
		}
	}
	return 0
}

// Address описывает адрес доставки заказа.
type Address struct {
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Text       string `json:"text,omitempty"`
}

// IsEmpty сообщает, что ни одно поле адреса не заполнено.
func (a Address) IsEmpty() bool {
	return a.Street == "" && a.PostalCode == "" && a.Text == ""
}

// Order описывает заказ пользователя. Отменённый заказ больше не изменяется.
type Order struct {
	ID       string  `json:"_id"`
	Phone    string  `json:"phone"`
	Address  Address `json:"address"`
	Text     string  `json:"text"`
	IsPaid   bool    `json:"isPaid"`
	Canceled bool    `json:"canceled"`
	Status   string  `json:"status"`
}

// NewOrder содержит данные для создания заказа.
type NewOrder struct {
	Phone   string  `json:"phone" validate:"required"`
	Address Address `json:"address"`
	Text    string  `json:"text,omitempty"`
	IsPaid  bool    `json:"isPaid"`
}

// OrderPatch содержит изменяемые поля заказа. Пустые поля не отправляются в бэкенд.
type OrderPatch struct {
	Phone   string
	Address Address
	Text    string
}

// Credentials содержит данные для входа по логину и паролю.
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest содержит данные для регистрации.
type SignupRequest struct {
	FullName        string `json:"fullName" validate:"required"`
	Email           string `json:"email" validate:"required,storefront_email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required,eqfield=Password"`
}

// ExternalIdentity описывает личность, подтверждённую внешним провайдером входа.
type ExternalIdentity struct {
	Provider string
	Email    string
	Name     string
}
